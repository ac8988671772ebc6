package logging

import (
	"fmt"

	"github.com/rs/zerolog"
)

// GormWriter adapts a zerolog logger to gorm's logger.Writer.
type GormWriter struct {
	Logger zerolog.Logger
}

// Printf implements gorm's logger.Writer.
func (w GormWriter) Printf(format string, args ...interface{}) {
	w.Logger.Warn().Msg(fmt.Sprintf(format, args...))
}
