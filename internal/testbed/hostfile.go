package testbed

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/testbed/testbed/internal/models"
)

// hostLine matches [username@]hostname[:port].
var hostLine = regexp.MustCompile(`^(?:([A-Za-z0-9._-]+)@)?([A-Za-z0-9](?:[A-Za-z0-9.-]*[A-Za-z0-9])?)(?::([0-9]{1,5}))?$`)

// HostEntry is one parsed line of a host list.
type HostEntry struct {
	Line     int
	Username string
	Hostname string
	Port     int
}

// ParseHostLine parses a single [username@]hostname[:port] entry. The port
// defaults to 22.
func ParseHostLine(line string) (HostEntry, error) {
	line = strings.TrimSpace(line)
	m := hostLine.FindStringSubmatch(line)
	if m == nil {
		return HostEntry{}, fmt.Errorf("%w: %q is not [user@]host[:port]", ErrInvalidHost, line)
	}
	entry := HostEntry{Username: m[1], Hostname: m[2], Port: models.DefaultSSHPort}
	if m[3] != "" {
		port, err := strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return HostEntry{}, fmt.Errorf("%w: port %q out of range", ErrInvalidHost, m[3])
		}
		entry.Port = port
	}
	return entry, nil
}

// ParseHostList reads a line-oriented host list. Blank lines and lines
// starting with # are ignored; malformed lines are skipped and logged.
func ParseHostList(r io.Reader, logger *log.Logger) ([]HostEntry, error) {
	if logger == nil {
		logger = log.Default()
	}
	var entries []HostEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := ParseHostLine(line)
		if err != nil {
			logger.Printf("testbed: skipping host list line %d: %v", lineNo, err)
			continue
		}
		entry.Line = lineNo
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read host list: %w", err)
	}
	return entries, nil
}

// LoadHostsFromFile parses the host list at path and creates a host in the
// process-wide registry for every valid line, each starting from template.
func LoadHostsFromFile(path string, template models.PeerConfig, logger *log.Logger) ([]*Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open host list %s: %w", path, err)
	}
	defer f.Close()
	return loadHosts(defaultRegistry, f, template, logger)
}

func loadHosts(registry *HostRegistry, r io.Reader, template models.PeerConfig, logger *log.Logger) ([]*Host, error) {
	entries, err := ParseHostList(r, logger)
	if err != nil {
		return nil, err
	}
	hosts := make([]*Host, 0, len(entries))
	for _, e := range entries {
		h, err := registry.Create(e.Hostname, e.Username, template, e.Port)
		if err != nil {
			return nil, fmt.Errorf("host list line %d: %w", e.Line, err)
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}
