package services

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"kamal-napper/internal/config"
	"kamal-napper/internal/logger"
	"kamal-napper/internal/models"
	"kamal-napper/internal/utils"
)

const (
	proxyLogTailLines = 1000

	// Proxy logs are chronological; once a scan reaches an entry older
	// than this the remainder cannot matter for idle accounting.
	logScanHorizon = time.Hour

	timestampFilePrefix = "last_request_"
)

var (
	automatedPathPattern = regexp.MustCompile(`^/(health|status|ping|ready|alive)/?$`)
	acmeChallengePrefix  = "/.well-known/acme-challenge/"
	botAgentPattern      = regexp.MustCompile(`(?i)(bot|crawler|spider|scraper|google|bing|yahoo|baidu|uptimerobot|pingdom|monitor|check|scan|probe)`)

	// Combined Log Format with an optional trailing vhost field.
	combinedLogPattern = regexp.MustCompile(`^(\S+) \S+ \S+ \[([^\]]+)\] "(\S+) (\S+)[^"]*" \d+ \S+ "[^"]*" "([^"]*)"(?: (\S+))?`)
)

const combinedLogTimeLayout = "02/Jan/2006:15:04:05 -0700"

// proxyLogTailer is the slice of the Runner the detector needs.
type proxyLogTailer interface {
	TailProxyLog(ctx context.Context, lines int) (string, error)
}

/**
 * Traffic observer deriving per-host last-request timestamps
 * @description
 * - Primary source: a bounded tail of the proxy container log, parsed
 *   as newline-delimited JSON records with msg == "Request"
 * - Fallback source: combined-format access logs in access_log_dir when
 *   the proxy container is unavailable
 * - Secondary store: per-host timestamp files in <state_dir>/requests,
 *   letting clients inject observations out of band
 * - Reads union all three sources; failures log and yield nothing,
 *   never an error
 */
type RequestDetector struct {
	cfg    *config.AppConfig
	tailer proxyLogTailer

	mu    sync.Mutex
	cache map[string]time.Time

	now func() time.Time
}

func NewRequestDetector(cfg *config.AppConfig, tailer proxyLogTailer) *RequestDetector {
	return &RequestDetector{
		cfg:    cfg,
		tailer: tailer,
		cache:  make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *RequestDetector) requestsDir() string {
	return filepath.Join(d.cfg.StateDir, "requests")
}

func (d *RequestDetector) timestampFilePath(host string) string {
	return filepath.Join(d.requestsDir(), timestampFilePrefix+utils.SanitizeHostname(host))
}

/**
 * Most recent user request observed for a host
 * @param {string} host - Managed hostname
 * @returns {time.Time} Zero time when the host has never been seen
 * @description
 * - Returns the maximum of the log scan, the timestamp file and the
 *   in-memory cache; the cache is refreshed with the result
 */
func (d *RequestDetector) LastRequestTime(host string) time.Time {
	latest := d.scanLogs()[host]

	if t := d.timestampFromFile(host); t.After(latest) {
		latest = t
	}

	d.mu.Lock()
	if t := d.cache[host]; t.After(latest) {
		latest = t
	}
	if !latest.IsZero() {
		d.cache[host] = latest
	}
	d.mu.Unlock()

	return latest
}

// RecentRequests reports whether the host saw user traffic within the
// given window.
func (d *RequestDetector) RecentRequests(host string, within time.Duration) bool {
	last := d.LastRequestTime(host)
	if last.IsZero() {
		return false
	}
	return d.now().Sub(last) < within
}

// UpdateLastRequest records an out-of-band traffic observation in the
// cache and the timestamp file.
func (d *RequestDetector) UpdateLastRequest(host string, t time.Time) {
	d.mu.Lock()
	if t.After(d.cache[host]) {
		d.cache[host] = t
	}
	d.mu.Unlock()

	if err := os.MkdirAll(d.requestsDir(), 0755); err != nil {
		logger.Warnf("Cannot create requests dir: %v", err)
		return
	}
	if err := os.WriteFile(d.timestampFilePath(host), []byte(t.UTC().Format(time.RFC3339Nano)), 0644); err != nil {
		logger.Warnf("Cannot write timestamp file for %s: %v", host, err)
	}
}

/**
 * All hostnames with any traffic evidence
 * @returns {[]string} Union of log, timestamp-file and cache hostnames
 * @description
 * - The hostname validity predicate (including the self-host filter) is
 *   applied before returning
 */
func (d *RequestDetector) DetectedHostnames() []string {
	seen := make(map[string]struct{})

	for host := range d.scanLogs() {
		seen[host] = struct{}{}
	}
	for _, host := range d.hostsFromTimestampFiles() {
		seen[host] = struct{}{}
	}
	d.mu.Lock()
	for host := range d.cache {
		seen[host] = struct{}{}
	}
	d.mu.Unlock()

	hosts := make([]string, 0, len(seen))
	for host := range seen {
		if utils.IsValidHostname(host, d.cfg.OwnHostname) {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// scanLogs returns the newest user-request timestamp per host from the
// proxy log, falling back to plain access logs when the tail fails.
func (d *RequestDetector) scanLogs() map[string]time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tail, err := d.tailer.TailProxyLog(ctx, proxyLogTailLines)
	if err != nil {
		logger.Debugf("Proxy log tail unavailable: %v", err)
		return d.scanAccessLogs()
	}
	return d.scanProxyTail(tail)
}

func (d *RequestDetector) scanProxyTail(tail string) map[string]time.Time {
	result := make(map[string]time.Time)
	horizon := d.now().Add(-logScanHorizon)

	lines := strings.Split(tail, "\n")
	// Newest entries are at the end; stop at the horizon.
	for i := len(lines) - 1; i >= 0; i-- {
		record, ok := parseProxyLogLine(lines[i])
		if !ok {
			continue
		}
		if record.Time.Before(horizon) {
			break
		}
		if isAutomatedRequest(record) {
			continue
		}
		if record.Time.After(result[record.Host]) {
			result[record.Host] = record.Time
		}
	}
	return result
}

// parseProxyLogLine decodes one JSON proxy log record. Records whose msg
// is not "Request" are not traffic.
func parseProxyLogLine(line string) (models.RequestRecord, bool) {
	var record models.RequestRecord

	// docker adds stream prefixes in some configurations; cut to the
	// first brace before decoding.
	idx := strings.IndexByte(line, '{')
	if idx < 0 {
		return record, false
	}

	var raw struct {
		Msg       string `json:"msg"`
		Host      string `json:"host"`
		Path      string `json:"path"`
		Method    string `json:"method"`
		UserAgent string `json:"user_agent"`
		Time      string `json:"time"`
	}
	if err := json.Unmarshal([]byte(line[idx:]), &raw); err != nil {
		return record, false
	}
	if raw.Msg != "Request" || raw.Host == "" {
		return record, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Time)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, raw.Time); err != nil {
			return record, false
		}
	}

	record = models.RequestRecord{
		Host:      raw.Host,
		Path:      raw.Path,
		Method:    raw.Method,
		UserAgent: raw.UserAgent,
		Time:      ts,
	}
	return record, true
}

/**
 * Decide whether a request is automated
 * @param {models.RequestRecord} r - Parsed log record
 * @returns {bool} true when the record must not count as user traffic
 * @description
 * - Health/status/ping/ready/alive paths, ACME challenges, empty user
 *   agents, HEAD requests and known bot/monitor agents are automated
 */
func isAutomatedRequest(r models.RequestRecord) bool {
	if automatedPathPattern.MatchString(r.Path) {
		return true
	}
	if strings.HasPrefix(r.Path, acmeChallengePrefix) {
		return true
	}
	if r.UserAgent == "" {
		return true
	}
	if strings.EqualFold(r.Method, "HEAD") {
		return true
	}
	return botAgentPattern.MatchString(r.UserAgent)
}

// scanAccessLogs is the fallback when the proxy container is gone: plain
// combined-format access logs in the configured directory.
func (d *RequestDetector) scanAccessLogs() map[string]time.Time {
	result := make(map[string]time.Time)
	if d.cfg.AccessLogDir == "" {
		return result
	}

	paths, err := filepath.Glob(filepath.Join(d.cfg.AccessLogDir, "*.log"))
	if err != nil || len(paths) == 0 {
		return result
	}

	horizon := d.now().Add(-logScanHorizon)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Debugf("Cannot read access log %s: %v", path, err)
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			record, ok := parseCombinedLogLine(line)
			if !ok || record.Time.Before(horizon) {
				continue
			}
			if isAutomatedRequest(record) {
				continue
			}
			if record.Time.After(result[record.Host]) {
				result[record.Host] = record.Time
			}
		}
	}
	return result
}

// parseCombinedLogLine extracts a request record from one Combined Log
// Format line. The hostname comes from the trailing vhost field, or from
// the request target when it is an absolute URL.
func parseCombinedLogLine(line string) (models.RequestRecord, bool) {
	var record models.RequestRecord

	match := combinedLogPattern.FindStringSubmatch(line)
	if match == nil {
		return record, false
	}
	ts, err := time.Parse(combinedLogTimeLayout, match[2])
	if err != nil {
		return record, false
	}

	host := match[6]
	target := match[4]
	path := target
	if u, err := url.Parse(target); err == nil {
		if u.Host != "" {
			if host == "" {
				host = u.Hostname()
			}
			path = u.Path
		}
	}
	if host == "" {
		return record, false
	}

	record = models.RequestRecord{
		Host:      host,
		Path:      path,
		Method:    match[3],
		UserAgent: match[5],
		Time:      ts,
	}
	return record, true
}

func (d *RequestDetector) timestampFromFile(host string) time.Time {
	data, err := os.ReadFile(d.timestampFilePath(host))
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		logger.Debugf("Unparseable timestamp file for %s: %v", host, err)
		return time.Time{}
	}
	return ts
}

func (d *RequestDetector) hostsFromTimestampFiles() []string {
	entries, err := os.ReadDir(d.requestsDir())
	if err != nil {
		return nil
	}
	var hosts []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, timestampFilePrefix) {
			continue
		}
		// Valid hostnames survive sanitization unchanged, so the file
		// name is the hostname.
		hosts = append(hosts, strings.TrimPrefix(name, timestampFilePrefix))
	}
	return hosts
}
