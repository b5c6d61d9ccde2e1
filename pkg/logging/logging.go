// Package logging はlogrusのグローバルロガーを設定する。
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup はログレベルと出力形式を設定する。
// levelが不正な場合はinfoを使用する。formatは"json"または"text"。
func Setup(level, format string) {
	lv, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lv = log.InfoLevel
	}
	log.SetLevel(lv)
	log.SetOutput(os.Stdout)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// Component はコンポーネント名をフィールドに持つログエントリを返す。
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}
