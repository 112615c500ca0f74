package utils

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

/**
 * Render a command template into an argv
 * @param {string} command - Command line template, whitespace separated
 * @param {interface{}} data - Values substituted into {{.Field}} placeholders
 * @returns {string} Program name
 * @returns {[]string} Program arguments
 * @returns {error} Template parse or execution error
 * @description
 * - The whole line is rendered first, then split on whitespace, so a
 *   substituted value must not contain spaces (hostnames and container
 *   names never do)
 */
func GetCommandLine(command string, data interface{}) (string, []string, error) {
	cmdTemplate, err := template.New("command").Parse(command)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse command template: %w", err)
	}

	var cmdBuf bytes.Buffer
	if err := cmdTemplate.Execute(&cmdBuf, data); err != nil {
		return "", nil, fmt.Errorf("failed to execute command template: %w", err)
	}

	fields := strings.Fields(cmdBuf.String())
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("command template rendered empty: %q", command)
	}
	return fields[0], fields[1:], nil
}
