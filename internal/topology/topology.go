// Package topology generates the overlay link sets that a testbed applies to a
// group of peers.
//
// Peers are addressed by their index in the peer slice handed to the
// configurator. Generate is deterministic for every kind except the ones that
// add random links, whose randomness is drawn from a named rngstream so that a
// run can be reproduced by reusing the seed name.
package topology

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/iti/rngstream"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Kind names a connectivity pattern. The values match the overlay_topology
// configuration option.
type Kind string

const (
	None           Kind = "NONE"
	Clique         Kind = "CLIQUE"
	Ring           Kind = "RING"
	Line           Kind = "LINE"
	Torus2D        Kind = "2D_TORUS"
	ErdosRenyi     Kind = "RANDOM"
	SmallWorld     Kind = "SMALL_WORLD"
	SmallWorldRing Kind = "SMALL_WORLD_RING"
	ScaleFree      Kind = "SCALE_FREE"
	FromFile       Kind = "FROM_FILE"
)

var (
	ErrUnknownKind    = errors.New("unknown topology")
	ErrMissingOption  = errors.New("missing topology option")
	ErrInvalidOption  = errors.New("invalid topology option")
	ErrMalformedInput = errors.New("malformed topology file")
)

var kindAliases = map[string]Kind{
	"ERDOS_RENYI": ErdosRenyi,
	"TORUS":       Torus2D,
}

// ParseKind maps a configuration value to a Kind. Matching is case-insensitive.
func ParseKind(value string) (Kind, error) {
	value = strings.ToUpper(strings.TrimSpace(value))
	switch k := Kind(value); k {
	case None, Clique, Ring, Line, Torus2D, ErdosRenyi, SmallWorld, SmallWorldRing, ScaleFree, FromFile:
		return k, nil
	}
	if k, ok := kindAliases[value]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
}

// Options carries the per-kind parameters.
//
// Fields:
//   - RandomLinks: Extra random links (RANDOM, SMALL_WORLD, SMALL_WORLD_RING)
//   - File: Path of the adjacency file (FROM_FILE)
//   - ScaleFreeCap: Maximum links per peer (SCALE_FREE)
//   - ScaleFreeM: Links added with each new peer (SCALE_FREE)
//   - Seed: Name of the random stream; equal names reproduce equal link sets
type Options struct {
	RandomLinks  int
	File         string
	ScaleFreeCap int
	ScaleFreeM   int
	Seed         string
}

// Link is a connect attempt from peer index A to peer index B.
type Link struct {
	A int
	B int
}

// Generate returns the links for n peers arranged as kind.
func Generate(kind Kind, n int, opts Options) ([]Link, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: peer count %d", ErrInvalidOption, n)
	}
	switch kind {
	case None:
		return nil, nil
	case Clique:
		return clique(n), nil
	case Ring:
		return ring(n), nil
	case Line:
		return line(n), nil
	case Torus2D:
		return newLinkSet(n).addTorus().links, nil
	case ErdosRenyi:
		if err := requireRandomLinks(opts); err != nil {
			return nil, err
		}
		return newLinkSet(n).addRandom(opts.RandomLinks, opts.Seed).links, nil
	case SmallWorld:
		if err := requireRandomLinks(opts); err != nil {
			return nil, err
		}
		return newLinkSet(n).addTorus().addRandom(opts.RandomLinks, opts.Seed).links, nil
	case SmallWorldRing:
		if err := requireRandomLinks(opts); err != nil {
			return nil, err
		}
		set := newLinkSet(n)
		for _, l := range ring(n) {
			set.add(l.A, l.B)
		}
		return set.addRandom(opts.RandomLinks, opts.Seed).links, nil
	case ScaleFree:
		if opts.ScaleFreeCap <= 0 || opts.ScaleFreeM <= 0 {
			return nil, fmt.Errorf("%w: scale free cap and m must be positive", ErrMissingOption)
		}
		return scaleFree(n, opts.ScaleFreeCap, opts.ScaleFreeM, opts.Seed), nil
	case FromFile:
		if strings.TrimSpace(opts.File) == "" {
			return nil, fmt.Errorf("%w: topology file is required", ErrMissingOption)
		}
		return ReadFile(opts.File, n)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func requireRandomLinks(opts Options) error {
	if opts.RandomLinks < 0 {
		return fmt.Errorf("%w: random links must not be negative", ErrInvalidOption)
	}
	return nil
}

func clique(n int) []Link {
	if n < 2 {
		return nil
	}
	out := make([]Link, 0, n*(n-1))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				out = append(out, Link{A: i, B: j})
			}
		}
	}
	return out
}

func ring(n int) []Link {
	if n < 2 {
		return nil
	}
	out := make([]Link, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Link{A: i, B: (i + 1) % n})
	}
	return out
}

func line(n int) []Link {
	if n < 2 {
		return nil
	}
	out := make([]Link, 0, n-1)
	for i := 0; i < n-1; i++ {
		out = append(out, Link{A: i, B: i + 1})
	}
	return out
}

// linkSet accumulates undirected links without duplicates or self-loops.
type linkSet struct {
	n     int
	g     *simple.UndirectedGraph
	links []Link
}

func newLinkSet(n int) *linkSet {
	g := simple.NewUndirectedGraph()
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	return &linkSet{n: n, g: g}
}

func (s *linkSet) has(a, b int) bool {
	return s.g.HasEdgeBetween(int64(a), int64(b))
}

func (s *linkSet) add(a, b int) bool {
	if a == b || s.has(a, b) {
		return false
	}
	s.g.SetEdge(simple.Edge{F: simple.Node(a), T: simple.Node(b)})
	s.links = append(s.links, Link{A: a, B: b})
	return true
}

func (s *linkSet) degree(a int) int {
	return s.g.From(int64(a)).Len()
}

// addTorus lays the peers out row by row on a 2D grid whose rows wrap around,
// spreading any peers beyond the largest square over the first rows.
func (s *linkSet) addTorus() *linkSet {
	if s.n < 2 {
		return s
	}
	rows := int(math.Floor(math.Sqrt(float64(s.n))))
	rowLen := make([]int, rows)
	for i := range rowLen {
		rowLen[i] = rows
	}
	for i := 0; i < s.n-rows*rows; i++ {
		rowLen[i%rows]++
	}
	start := make([]int, rows)
	for y := 1; y < rows; y++ {
		start[y] = start[y-1] + rowLen[y-1]
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < rowLen[y]; x++ {
			node := start[y] + x
			s.add(node, start[y]+(x+1)%rowLen[y])
			below := (y + 1) % rows
			if x < rowLen[below] {
				s.add(node, start[below]+x)
			}
		}
	}
	return s
}

// addRandom adds up to count links chosen uniformly among the missing pairs.
func (s *linkSet) addRandom(count int, seed string) *linkSet {
	maxLinks := s.n * (s.n - 1) / 2
	if remaining := maxLinks - len(s.links); count > remaining {
		count = remaining
	}
	if count <= 0 {
		return s
	}
	rng := newStream(seed)
	for added := 0; added < count; {
		a := pick(rng, s.n)
		b := pick(rng, s.n)
		if s.add(a, b) {
			added++
		}
	}
	return s
}

// scaleFree grows a Barabási–Albert graph: every new peer links to m existing
// peers picked with probability proportional to their degree, skipping peers
// already at cap.
func scaleFree(n, capLinks, m int, seed string) []Link {
	set := newLinkSet(n)
	if n < 2 {
		return nil
	}
	set.add(0, 1)
	rng := newStream(seed)
	for node := 2; node < n; node++ {
		want := m
		if want > node {
			want = node
		}
		for attempt := 0; want > 0 && attempt < 64*m; attempt++ {
			total := 0
			for i := 0; i < node; i++ {
				if set.degree(i) < capLinks {
					total += set.degree(i) + 1
				}
			}
			if total == 0 {
				break
			}
			target := int(rng.RandU01() * float64(total))
			for i := 0; i < node; i++ {
				if set.degree(i) >= capLinks {
					continue
				}
				target -= set.degree(i) + 1
				if target < 0 {
					if set.degree(node) < capLinks && set.add(node, i) {
						want--
					}
					break
				}
			}
		}
	}
	return set.links
}

// rngstream.New advances package state, so creation is serialised.
var streamMu sync.Mutex

// rngSeedMax keeps every seed word below both rngstream moduli.
const rngSeedMax = 4294944443

// newStream returns a stream whose state depends only on seed.
func newStream(seed string) *rngstream.RngStream {
	if seed == "" {
		seed = "topology"
	}
	streamMu.Lock()
	rng := rngstream.New(seed)
	streamMu.Unlock()
	rng.SetSeed(seedWords(seed))
	return rng
}

// seedWords hashes name into six non-zero words accepted by SetSeed.
func seedWords(name string) []uint64 {
	words := make([]uint64, 6)
	for i := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte{byte(i)})
		_, _ = h.Write([]byte(name))
		words[i] = h.Sum64()%(rngSeedMax-1) + 1
	}
	return words
}

func pick(rng *rngstream.RngStream, n int) int {
	i := int(rng.RandU01() * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}

// Components groups peer indices by overlay connectivity, treating links as
// undirected. Each component is sorted; components are ordered by their
// smallest member.
func Components(n int, links []Link) [][]int {
	g := simple.NewUndirectedGraph()
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	for _, l := range links {
		if l.A == l.B || l.A < 0 || l.B < 0 || l.A >= n || l.B >= n {
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(l.A), T: simple.Node(l.B)})
	}
	var out [][]int
	for _, comp := range topo.ConnectedComponents(g) {
		ids := make([]int, 0, len(comp))
		for _, node := range comp {
			ids = append(ids, int(node.ID()))
		}
		slices.Sort(ids)
		out = append(out, ids)
	}
	slices.SortFunc(out, func(a, b []int) int { return a[0] - b[0] })
	return out
}
