package logging

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// RequestFields are the fields attached to every intercepted request log line
func RequestFields(requestID string, r *http.Request) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     r.Method,
		"url":        r.URL.String(),
	}
}

// GenerationFields identify the cache generation an event belongs to
func GenerationFields(store string) logrus.Fields {
	return logrus.Fields{
		"generation": store,
	}
}
