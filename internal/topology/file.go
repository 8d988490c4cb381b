package topology

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// ReadFile parses an adjacency file for n peers. See Parse for the format.
func ReadFile(path string, n int) ([]Link, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology file %s: %w", path, err)
	}
	defer f.Close()
	links, err := Parse(f, n)
	if err != nil {
		return nil, fmt.Errorf("topology file %s: %w", path, err)
	}
	return links, nil
}

// Parse reads adjacency lines of the form
//
//	<peer>:<peer>|<peer>|...
//
// Blank lines and lines starting with '#' are ignored. Every listed pair
// becomes one connect attempt from the left-hand peer. Peer indices must be
// below n. Self links and repeated pairs are dropped.
func Parse(r io.Reader, n int) ([]Link, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[Link]struct{})
	var out []Link
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		head, tail, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing ':'", ErrMalformedInput, lineNo)
		}
		from, err := parsePeer(head, n)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedInput, lineNo, err)
		}
		for _, field := range strings.Split(tail, "|") {
			if strings.TrimSpace(field) == "" {
				continue
			}
			to, err := parsePeer(field, n)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedInput, lineNo, err)
			}
			if from == to {
				continue
			}
			l := Link{A: from, B: to}
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parsePeer(field string, n int) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0, fmt.Errorf("invalid peer %q", strings.TrimSpace(field))
	}
	if id < 0 || id >= n {
		return 0, fmt.Errorf("peer %d out of range [0,%d)", id, n)
	}
	return id, nil
}

// Write emits links in the format read by Parse, one line per source peer in
// ascending order.
func Write(w io.Writer, links []Link) error {
	bySource := make(map[int][]int)
	var sources []int
	for _, l := range links {
		if _, ok := bySource[l.A]; !ok {
			sources = append(sources, l.A)
		}
		bySource[l.A] = append(bySource[l.A], l.B)
	}
	slices.Sort(sources)
	bw := bufio.NewWriter(w)
	for _, src := range sources {
		targets := bySource[src]
		parts := make([]string, len(targets))
		for i, dst := range targets {
			parts[i] = strconv.Itoa(dst)
		}
		if _, err := fmt.Fprintf(bw, "%d:%s\n", src, strings.Join(parts, "|")); err != nil {
			return err
		}
	}
	return bw.Flush()
}
