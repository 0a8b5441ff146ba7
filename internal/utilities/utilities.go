package utilities

import (
	"log"
	"os"
	"time"
)

// CreateLog appends a line to a dated audit file under logs/. Used to keep
// the raw payloads exactly as the units sent them, independent of whether
// ingestion accepted them.
func CreateLog(prefix, message string) {
	filename := "logs/" + prefix + "_" + time.Now().Format("20060102") + ".log"

	if _, err := os.Stat("logs"); os.IsNotExist(err) {
		os.Mkdir("logs", 0755)
	}

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Println("audit log open:", err)
		return
	}
	defer f.Close()

	logLine := time.Now().Format("15:04:05") + " - " + message + "\n"
	if _, err := f.WriteString(logLine); err != nil {
		log.Println("audit log write:", err)
	}
}
