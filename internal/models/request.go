package models

import (
	"time"
)

/**
 * One proxy access-log record that counts as observed traffic
 * @property {string} host - Virtual hostname the request was routed to
 * @property {string} path - Request path
 * @property {string} method - HTTP method
 * @property {string} userAgent - Client user agent, empty for raw probes
 * @property {time.Time} time - When the proxy saw the request
 */
type RequestRecord struct {
	Host      string    `json:"host"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	UserAgent string    `json:"user_agent"`
	Time      time.Time `json:"time"`
}
