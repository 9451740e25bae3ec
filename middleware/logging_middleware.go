package middleware

import (
	"time"

	"github.com/sirupsen/logrus"

	"sessionnet/frame"
)

// LoggingMiddleware records the frame type/sub-type, session id, and
// handling duration for every frame that reaches dispatch's router.
func LoggingMiddleware(log *logrus.Entry) Middleware {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(h frame.Header, body []byte) {
			start := time.Now()
			next(h, body)
			log.WithFields(logrus.Fields{
				"type":       h.Type,
				"sub_type":   h.SubType,
				"session_id": h.SessionID,
				"duration":   time.Since(start),
			}).Debug("middleware: frame routed")
		}
	}
}
