package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"kamal-napper/internal/config"
	"kamal-napper/internal/logger"
	"kamal-napper/internal/models"
	"kamal-napper/internal/utils"
)

// hostRulePattern matches kamal routing-rule labels like Host(`app.example.com`).
var hostRulePattern = regexp.MustCompile("Host\\(`([^`]+)`\\)")

const discoveryLogTailLines = 200

// CommandError reports an external command that failed on every attempt
// made: the whole retry budget, or fewer when the context was cancelled.
type CommandError struct {
	Command  string
	Attempts int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed after %d attempts: %v", e.Command, e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

/**
 * Executor for container runtime and proxy commands
 * @description
 * - Every externally visible operation runs through ExecuteWithRetry
 * - Containers are addressed by the service=<label> convention kamal
 *   applies; the service label is the first dot-separated component of
 *   the managed hostname
 * - Maintenance toggles are rendered from the configured command
 *   templates and never fail the caller
 */
type Runner struct {
	cfg *config.AppConfig

	exec  execFunc
	sleep func(time.Duration)
}

func NewRunner(cfg *config.AppConfig) *Runner {
	return &Runner{
		cfg:   cfg,
		exec:  runCommand,
		sleep: time.Sleep,
	}
}

/**
 * Run an external command with the retry policy
 * @param {context.Context} ctx - Cancellation context
 * @param {string} name - Program name
 * @param {...string} args - Program arguments
 * @returns {[]byte} Combined output of the first successful attempt
 * @returns {error} CommandError once max_retries+1 attempts all failed
 * @description
 * - Attempts are numbered 1..max_retries+1; between attempts the runner
 *   sleeps 2^attempt seconds
 * - A zero exit code ends the loop immediately
 */
func (r *Runner) ExecuteWithRetry(ctx context.Context, name string, args ...string) ([]byte, error) {
	attempts := r.cfg.MaxRetries + 1
	command := name + " " + strings.Join(args, " ")

	var lastErr error
	var lastOut []byte
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		out, err := r.exec(ctx, name, args...)
		if err == nil {
			return out, nil
		}
		lastErr = err
		lastOut = out
		logger.Warnf("Command %q attempt %d/%d failed: %v", command, attempt, attempts, err)
		if attempt < attempts {
			r.sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &CommandError{
		Command:  command,
		Attempts: made,
		Output:   strings.TrimSpace(string(lastOut)),
		Err:      lastErr,
	}
}

// listContainersByService lists all containers labeled service=<service>,
// including stopped ones.
func (r *Runner) listContainersByService(ctx context.Context, service string) ([]models.ContainerSummary, error) {
	out, err := r.ExecuteWithRetry(ctx, "docker", "ps", "-a",
		"--filter", "label=service="+service,
		"--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	return parseContainerLines(out), nil
}

func parseContainerLines(out []byte) []models.ContainerSummary {
	var containers []models.ContainerSummary
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var c models.ContainerSummary
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			logger.Debugf("Skipping unparseable docker ps line: %v", err)
			continue
		}
		containers = append(containers, c)
	}
	return containers
}

func parseLabels(raw string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			labels[kv[0]] = kv[1]
		}
	}
	return labels
}

/**
 * Start the app container serving a hostname
 * @param {context.Context} ctx - Cancellation context
 * @param {string} host - Managed hostname
 * @returns {bool} false when no startable container exists (not an error)
 * @returns {error} CommandError when docker start exhausted its retries
 * @description
 * - Picks the first container labeled service=<service> whose state is
 *   exited or created
 */
func (r *Runner) StartAppContainer(ctx context.Context, host string) (bool, error) {
	service := utils.ServiceFromHost(host)
	containers, err := r.listContainersByService(ctx, service)
	if err != nil {
		return false, err
	}
	for _, c := range containers {
		state := strings.ToLower(c.State)
		if state != "exited" && state != "created" {
			continue
		}
		logger.Infof("Starting container %s for %s", c.Names, host)
		if _, err := r.ExecuteWithRetry(ctx, "docker", "start", c.Names); err != nil {
			return false, err
		}
		return true, nil
	}
	logger.Infof("No stopped container with service=%s to start", service)
	return false, nil
}

// StopAppContainer halts the first running container labeled with the
// host's service. Returns false when nothing is running.
func (r *Runner) StopAppContainer(ctx context.Context, host string) (bool, error) {
	service := utils.ServiceFromHost(host)
	containers, err := r.listContainersByService(ctx, service)
	if err != nil {
		return false, err
	}
	for _, c := range containers {
		if strings.ToLower(c.State) != "running" {
			continue
		}
		logger.Infof("Stopping container %s for %s", c.Names, host)
		if _, err := r.ExecuteWithRetry(ctx, "docker", "stop", c.Names); err != nil {
			return false, err
		}
		return true, nil
	}
	logger.Infof("No running container with service=%s to stop", service)
	return false, nil
}

// ForceStopContainer hard-kills the host's running container. Failure is
// logged and tolerated; there is nothing gentler left to try.
func (r *Runner) ForceStopContainer(ctx context.Context, host string) error {
	service := utils.ServiceFromHost(host)
	containers, err := r.listContainersByService(ctx, service)
	if err != nil {
		logger.Errorf("Force stop of %s: listing containers failed: %v", host, err)
		return err
	}
	for _, c := range containers {
		if strings.ToLower(c.State) != "running" {
			continue
		}
		logger.Warnf("Force killing container %s for %s", c.Names, host)
		if _, err := r.ExecuteWithRetry(ctx, "docker", "kill", c.Names); err != nil {
			logger.Errorf("Force stop of %s failed: %v", host, err)
			return err
		}
		return nil
	}
	return nil
}

/**
 * Toggle proxy maintenance mode for a hostname
 * @param {context.Context} ctx - Cancellation context
 * @param {string} host - Managed hostname
 * @param {bool} enabled - true to serve the placeholder, false to resume
 * @description
 * - The configured command template is rendered with the proxy
 *   container, service and hostname
 * - Errors are logged but never propagated; a stuck maintenance page is
 *   preferable to a wake path that aborts
 */
func (r *Runner) SetMaintenanceMode(ctx context.Context, host string, enabled bool) {
	tmpl := r.cfg.MaintenanceOnCommand
	if !enabled {
		tmpl = r.cfg.MaintenanceOffCommand
	}
	data := struct {
		Proxy   string
		Service string
		Host    string
	}{
		Proxy:   r.cfg.ProxyContainer,
		Service: utils.ServiceFromHost(host),
		Host:    host,
	}
	name, args, err := utils.GetCommandLine(tmpl, data)
	if err != nil {
		logger.Errorf("Maintenance command template invalid: %v", err)
		return
	}
	if _, err := r.ExecuteWithRetry(ctx, name, args...); err != nil {
		logger.Errorf("Maintenance toggle (%v) for %s failed: %v", enabled, host, err)
		return
	}
	logger.Infof("Maintenance mode %v for %s", enabled, host)
}

/**
 * Discover kamal-deployed applications on this docker host
 * @param {context.Context} ctx - Cancellation context
 * @returns {map[string]models.KamalApp} Hostname to app info
 * @description
 * - Lists containers carrying a service label, skipping the proxy role
 * - The hostname comes from a Host(`...`) routing-rule label when
 *   present, otherwise <service>.local is synthesized
 * - A short proxy-log tail contributes additional Host(`...`) matches
 *   for apps whose containers are currently gone
 */
func (r *Runner) DiscoverKamalApps(ctx context.Context) map[string]models.KamalApp {
	apps := make(map[string]models.KamalApp)

	out, err := r.ExecuteWithRetry(ctx, "docker", "ps", "-a",
		"--filter", "label=service",
		"--format", "{{json .}}")
	if err != nil {
		logger.Warnf("Container discovery failed: %v", err)
	} else {
		for _, c := range parseContainerLines(out) {
			labels := parseLabels(c.Labels)
			service := labels["service"]
			if service == "" {
				continue
			}
			if labels["role"] == "proxy" || strings.Contains(c.Names, r.cfg.ProxyContainer) {
				continue
			}
			host := hostFromLabels(labels)
			if host == "" {
				host = service + ".local"
			}
			apps[host] = models.KamalApp{
				Service:       service,
				ContainerName: c.Names,
				Labels:        labels,
			}
		}
	}

	// Hosts the proxy has routed recently may have no container at all
	// anymore; the log still names them.
	if log, err := r.TailProxyLog(ctx, discoveryLogTailLines); err == nil {
		for _, match := range hostRulePattern.FindAllStringSubmatch(log, -1) {
			host := match[1]
			if _, ok := apps[host]; !ok {
				apps[host] = models.KamalApp{Service: utils.ServiceFromHost(host)}
			}
		}
	}

	return apps
}

func hostFromLabels(labels map[string]string) string {
	for _, value := range labels {
		if match := hostRulePattern.FindStringSubmatch(value); match != nil {
			return match[1]
		}
	}
	return ""
}

// TailProxyLog returns the last n lines of the proxy container's log.
func (r *Runner) TailProxyLog(ctx context.Context, lines int) (string, error) {
	out, err := r.ExecuteWithRetry(ctx, "docker", "logs", "--tail", fmt.Sprint(lines), r.cfg.ProxyContainer)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
