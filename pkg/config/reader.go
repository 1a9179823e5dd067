package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// MaxConfigSize bounds the size of a single config file.
const MaxConfigSize = 4 << 20

// Reader extracts Facts from config files on a billy filesystem.
// Results are memoized in the Cache passed at construction.
type Reader struct {
	fs    billy.Filesystem
	cache *Cache
}

// NewReader creates a reader. A nil cache disables memoization.
func NewReader(fs billy.Filesystem, cache *Cache) *Reader {
	return &Reader{fs: fs, cache: cache}
}

// Filesystem returns the filesystem the reader reads from.
func (r *Reader) Filesystem() billy.Filesystem {
	return r.fs
}

// Read returns the facts of the file at path.
func (r *Reader) Read(path string) (*Facts, error) {
	if e, ok := r.cache.lookupFacts(path); ok {
		return e.facts, e.err
	}

	data, err := r.Raw(path)
	if err != nil {
		r.cache.storeFacts(path, nil, err)
		return nil, err
	}

	facts, err := Parse(path, data)
	r.cache.storeFacts(path, facts, err)
	return facts, err
}

// Raw returns the bytes of the file at path.
func (r *Reader) Raw(path string) ([]byte, error) {
	if data, ok := r.cache.lookupRaw(path); ok {
		return data, nil
	}

	info, err := r.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigReadError{Path: path, Reason: "file not found", Err: err}
		}
		return nil, &ConfigReadError{Path: path, Reason: "cannot stat file", Err: err}
	}
	if info.Size() > MaxConfigSize {
		return nil, &ConfigReadError{Path: path, Reason: fmt.Sprintf("file exceeds %d bytes", MaxConfigSize)}
	}

	data, err := util.ReadFile(r.fs, path)
	if err != nil {
		return nil, &ConfigReadError{Path: path, Reason: "cannot read file", Err: err}
	}

	r.cache.storeRaw(path, data)
	return data, nil
}

// Parse extracts facts from config content in a single linear pass.
// Nesting is tracked with an explicit stack; there is no backtracking.
func Parse(path string, data []byte) (*Facts, error) {
	p := &parser{
		lex:    lexer{src: data, line: 1},
		path:   path,
		facts:  &Facts{Path: path, Scalars: make(map[string]string), Balanced: true},
		names:  make(map[string]string),
		labels: make(map[string]string),
		isColl: make(map[string]bool),
		fields: make(map[string]int),
	}
	if err := p.run(); err != nil {
		return nil, err
	}
	p.finish()
	return p.facts, nil
}

type frame struct {
	open       tokenKind
	collection string
}

type parser struct {
	lex   lexer
	path  string
	facts *Facts

	stack    []frame
	key      string
	assigned string

	names  map[string]string
	labels map[string]string
	isColl map[string]bool
	lists  map[string][]string

	// fields indexes facts.Fields by name.
	fields map[string]int
}

func (p *parser) run() error {
	for {
		tok, err := p.lex.next()
		if err != nil {
			field := p.assigned
			if field == "" {
				field = p.key
			}
			return &ConfigReadError{Path: p.path, Field: field, Line: p.lex.line, Reason: err.Error()}
		}

		switch tok.kind {
		case tokEOF:
			if len(p.stack) > 0 {
				p.facts.Balanced = false
			}
			return nil

		case tokIdent, tokString:
			if p.assigned != "" {
				if err := p.value(tok); err != nil {
					return err
				}
				continue
			}
			if tok.kind == tokString && p.inList() {
				p.listItem(tok.text)
				continue
			}
			p.key = tok.text

		case tokLiteral:
			if p.assigned != "" {
				if err := p.value(tok); err != nil {
					return err
				}
			}
			p.key = ""

		case tokAssign:
			if p.key != "" {
				p.assigned = p.key
				p.key = ""
			}

		case tokLBrace:
			if err := p.openBlock(tok); err != nil {
				return err
			}

		case tokLBracket:
			p.openList()

		case tokRBrace, tokRBracket:
			p.close(tok.kind)

		case tokNewline, tokComma:
			p.key = ""
		}
	}
}

func (p *parser) top() *frame {
	if len(p.stack) == 0 {
		return nil
	}
	return &p.stack[len(p.stack)-1]
}

func (p *parser) inList() bool {
	f := p.top()
	return f != nil && f.open == tokLBracket
}

func (p *parser) addField(name string) {
	if _, ok := p.fields[name]; ok {
		return
	}
	p.fields[name] = len(p.facts.Fields)
	p.facts.Fields = append(p.facts.Fields, name)
}

func (p *parser) markCollection(name string) {
	if name == "" || p.isColl[name] {
		return
	}
	p.isColl[name] = true
	p.facts.Collections = append(p.facts.Collections, name)
}

// value consumes the value token of the pending assignment.
func (p *parser) value(tok token) error {
	name := p.assigned
	p.assigned, p.key = "", ""

	if len(p.stack) == 0 {
		p.addField(name)
		p.facts.Scalars[name] = tok.text
		return nil
	}

	coll := p.top().collection
	if coll != "" && tok.kind == tokString && nameAttributes[name] {
		if _, seen := p.names[coll]; !seen {
			p.names[coll] = tok.text
		}
	}
	return nil
}

func (p *parser) listItem(s string) {
	if len(p.stack) != 1 {
		return
	}
	coll := p.stack[0].collection
	if p.lists == nil {
		p.lists = make(map[string][]string)
	}
	p.lists[coll] = append(p.lists[coll], s)
}

func (p *parser) openBlock(tok token) error {
	label := p.assigned
	if label == "" {
		label = p.key
	}
	p.assigned, p.key = "", ""

	parent := p.top()
	if parent == nil {
		if label == "regions" {
			return &ConfigReadError{Path: p.path, Field: label, Line: tok.line, Reason: "expected a list of strings"}
		}
		if label != "" {
			p.addField(label)
			p.markCollection(label)
		}
		p.stack = append(p.stack, frame{open: tokLBrace, collection: label})
		return nil
	}

	coll := parent.collection
	if len(p.stack) == 1 && coll != "" {
		if parent.open == tokLBracket {
			p.markCollection(coll)
		} else if label != "" {
			if _, seen := p.labels[coll]; !seen {
				p.labels[coll] = label
			}
		}
	}
	p.stack = append(p.stack, frame{open: tokLBrace, collection: coll})
	return nil
}

func (p *parser) openList() {
	name := p.assigned
	p.assigned, p.key = "", ""

	coll := ""
	if parent := p.top(); parent != nil {
		coll = parent.collection
	} else {
		coll = name
		if name != "" {
			p.addField(name)
		}
	}
	p.stack = append(p.stack, frame{open: tokLBracket, collection: coll})
}

func (p *parser) close(kind tokenKind) {
	p.assigned, p.key = "", ""
	f := p.top()
	if f == nil {
		p.facts.Balanced = false
		return
	}
	if (kind == tokRBrace) != (f.open == tokLBrace) {
		p.facts.Balanced = false
	}
	p.stack = p.stack[:len(p.stack)-1]
}

func (p *parser) finish() {
	f := p.facts
	f.AccountID = f.Scalars["account_id"]
	f.AccountName = f.Scalars["account_name"]
	f.Environment = f.Scalars["environment"]
	f.Project = f.Scalars["project"]

	if regions, ok := p.lists["regions"]; ok {
		f.Regions = regions
	} else if r := f.Scalars["regions"]; r != "" {
		f.Regions = []string{r}
	} else if r := f.Scalars["region"]; r != "" {
		f.Regions = []string{r}
	}

	// Top-level string lists under a service key declare the service too.
	for key, items := range p.lists {
		if _, ok := serviceTable[key]; ok && len(items) > 0 {
			p.markCollection(key)
			if _, seen := p.names[key]; !seen {
				p.names[key] = items[0]
			}
		}
	}
	sort.SliceStable(f.Collections, func(i, j int) bool {
		return p.fieldIndex(f.Collections[i]) < p.fieldIndex(f.Collections[j])
	})

	services := make(map[string]bool)
	f.ResourceNames = make(map[string]string)
	f.ResourceLabels = make(map[string]string)
	for _, coll := range f.Collections {
		svc, ok := serviceTable[coll]
		if !ok {
			continue
		}
		services[svc] = true
		if _, done := f.ResourceNames[svc]; !done && p.names[coll] != "" {
			f.ResourceNames[svc] = p.names[coll]
		}
	}
	for _, coll := range f.Collections {
		svc, ok := serviceTable[coll]
		if !ok {
			continue
		}
		if _, named := f.ResourceNames[svc]; named {
			continue
		}
		if _, done := f.ResourceLabels[svc]; !done && p.labels[coll] != "" {
			f.ResourceLabels[svc] = p.labels[coll]
		}
	}

	f.Services = make([]string, 0, len(services))
	for s := range services {
		f.Services = append(f.Services, s)
	}
	sort.Strings(f.Services)
}

func (p *parser) fieldIndex(name string) int {
	if i, ok := p.fields[name]; ok {
		return i
	}
	return len(p.facts.Fields)
}
