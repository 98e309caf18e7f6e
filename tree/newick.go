package tree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned for malformed Newick text.
var ErrSyntax = errors.New("tree: newick syntax error")

// MaxNewickDepth bounds clade nesting. Deeper input is rejected with
// ErrSyntax.
const MaxNewickDepth = 10000

// SplitNewick splits a multi-tree Newick document into one string per tree,
// each including its terminating ';'. Semicolons inside quoted labels and
// bracketed comments do not split. Blank trailing text is dropped.
func SplitNewick(doc string) []string {
	var (
		trees   []string
		start   int
		quoted  bool
		comment bool
	)
	for i := 0; i < len(doc); i++ {
		switch c := doc[i]; {
		case comment:
			if c == ']' {
				comment = false
			}
		case quoted:
			if c == '\'' {
				quoted = false
			}
		case c == '[':
			comment = true
		case c == '\'':
			quoted = true
		case c == ';':
			if t := strings.TrimSpace(doc[start : i+1]); t != ";" {
				trees = append(trees, t)
			}
			start = i + 1
		}
	}
	return trees
}

// ParseNewick reads a single Newick tree and lays it out. Node ids are
// assigned in pre-order so the root is 0 and every parent precedes its
// children. Tips are spread evenly along x in document order and internal
// nodes sit at the mean x of their children. y is the cumulative branch
// length from the root, or the edge depth when the tree has no lengths.
func ParseNewick(text string) (*Graph, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty tree", ErrSyntax)
	}
	p := &newickParser{src: text}
	p.skip()
	if _, err := p.subtree(-1, 0); err != nil {
		return nil, err
	}
	p.skip()
	if p.pos < len(p.src) && p.src[p.pos] == ';' {
		p.pos++
	}
	p.skip()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing text")
	}

	layout(p.nodes)
	return New(p.nodes)
}

type newickParser struct {
	src   string
	pos   int
	nodes []Node
}

func (p *newickParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

// skip advances over whitespace and bracketed comments.
func (p *newickParser) skip() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		case '[':
			end := strings.IndexByte(p.src[p.pos:], ']')
			if end < 0 {
				p.pos = len(p.src)
				return
			}
			p.pos += end + 1
		default:
			return
		}
	}
}

func (p *newickParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *newickParser) subtree(parent, depth int) (int, error) {
	if depth > MaxNewickDepth {
		return 0, p.errorf("nesting deeper than %d", MaxNewickDepth)
	}
	id := len(p.nodes)
	p.nodes = append(p.nodes, Node{Parent: parent})

	p.skip()
	if p.peek() == '(' {
		p.pos++
		for {
			if _, err := p.subtree(id, depth+1); err != nil {
				return 0, err
			}
			p.skip()
			switch p.peek() {
			case ',':
				p.pos++
				continue
			case ')':
				p.pos++
			default:
				return 0, p.errorf("expected ',' or ')'")
			}
			break
		}
	}

	label, err := p.label()
	if err != nil {
		return 0, err
	}
	p.nodes[id].Label = label

	p.skip()
	if p.peek() == ':' {
		p.pos++
		p.skip()
		length, err := p.number()
		if err != nil {
			return 0, err
		}
		p.nodes[id].BranchLength = length
	}
	return id, nil
}

func (p *newickParser) label() (string, error) {
	p.skip()
	if p.peek() == '\'' {
		p.pos++
		var b strings.Builder
		for {
			if p.pos >= len(p.src) {
				return "", p.errorf("unterminated quoted label")
			}
			c := p.src[p.pos]
			p.pos++
			if c == '\'' {
				// '' is an escaped quote inside a quoted label.
				if p.peek() == '\'' {
					b.WriteByte('\'')
					p.pos++
					continue
				}
				return b.String(), nil
			}
			b.WriteByte(c)
		}
	}

	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("(),:;[ \t\n\r", rune(p.src[p.pos])) {
		p.pos++
	}
	return strings.ReplaceAll(p.src[start:p.pos], "_", " "), nil
}

func (p *newickParser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && strings.ContainsRune("0123456789+-.eE", rune(p.src[p.pos])) {
		p.pos++
	}
	raw := p.src[start:p.pos]
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.pos = start
		return 0, p.errorf("invalid branch length %q", raw)
	}
	return v, nil
}

// layout fills X and Y for nodes numbered in pre-order.
func layout(nodes []Node) {
	n := len(nodes)
	childCount := make([]int, n)
	for _, node := range nodes[1:] {
		childCount[node.Parent]++
	}

	tips := 0
	for i := range nodes {
		if childCount[i] == 0 {
			tips++
		}
	}

	rank := 0
	hasLengths := false
	for i := range nodes {
		if childCount[i] == 0 {
			if tips > 1 {
				nodes[i].X = float64(rank) / float64(tips-1)
			}
			rank++
		}
		if i > 0 && nodes[i].BranchLength != 0 {
			hasLengths = true
		}
	}

	// Children always have larger ids than their parent, so a reverse walk
	// sees every child before its parent.
	sums := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		if childCount[i] > 0 {
			nodes[i].X = sums[i] / float64(childCount[i])
		}
		if parent := nodes[i].Parent; parent >= 0 {
			sums[parent] += nodes[i].X
		}
	}

	for i := 1; i < n; i++ {
		step := 1.0
		if hasLengths {
			step = nodes[i].BranchLength
		}
		nodes[i].Y = nodes[nodes[i].Parent].Y + step
	}
}
