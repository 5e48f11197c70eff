package chart

import "sort"

// ParseDocument parses a permissive JSON-like machine description into a
// generic tree: *orderedObject, []interface{}, string, float64, bool, or
// nil. It tolerates single-quoted strings, unquoted object keys, "//" and
// "/* */" comments, and trailing commas before a closing brace or bracket —
// conveniences hand-authored machine descriptions lean on that strict JSON
// forbids.
//
// Object members parse into an *orderedObject rather than a plain Go map:
// sibling-state declaration order is load-bearing (default initial child,
// bare-name target-resolution tie-breaking), and a map's iteration order
// can't be trusted to reproduce it.
func ParseDocument(src []byte) (interface{}, error) {
	p := &docParser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	v, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &ParseError{Line: p.tok.line, Column: p.tok.column, Reason: "unexpected trailing input"}
	}
	return v, nil
}

type docParser struct {
	lex *lexer
	tok token
}

func (p *docParser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *docParser) parseValue() (interface{}, error) {
	switch p.tok.kind {
	case tokLBrace:
		return p.parseObject()
	case tokLBracket:
		return p.parseArray()
	case tokString:
		v := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return v, nil
	case tokNumber:
		v := p.tok.number
		if err := p.advance(); err != nil {
			return nil, err
		}
		return v, nil
	case tokTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return true, nil
	case tokFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return false, nil
	case tokNull:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return nil, nil
	case tokIdent:
		// A bare identifier used where a value is expected is treated as a
		// string literal, matching the unquoted-key convention.
		v := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, &ParseError{Line: p.tok.line, Column: p.tok.column, Reason: "expected a value"}
	}
}

func (p *docParser) parseObject() (interface{}, error) {
	line, col := p.tok.line, p.tok.column
	if err := p.advance(); err != nil { // consume '{'
		return nil, err
	}
	out := newOrderedObject()
	if p.tok.kind == tokRBrace {
		return out, p.advance()
	}
	for {
		var key string
		switch p.tok.kind {
		case tokString, tokIdent:
			key = p.tok.text
		default:
			return nil, &ParseError{Line: p.tok.line, Column: p.tok.column, Reason: "expected an object key"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokColon {
			return nil, &ParseError{Line: p.tok.line, Column: p.tok.column, Reason: "expected ':' after object key " + key}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		out.set(key, val)

		switch p.tok.kind {
		case tokComma:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokRBrace { // trailing comma
				return out, p.advance()
			}
			continue
		case tokRBrace:
			return out, p.advance()
		default:
			return nil, &ParseError{Line: p.tok.line, Column: p.tok.column, Reason: "expected ',' or '}' in object starting at line " + itoa(line) + " col " + itoa(col)}
		}
	}
}

func (p *docParser) parseArray() (interface{}, error) {
	line, col := p.tok.line, p.tok.column
	if err := p.advance(); err != nil { // consume '['
		return nil, err
	}
	out := make([]interface{}, 0)
	if p.tok.kind == tokRBracket {
		return out, p.advance()
	}
	for {
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		out = append(out, val)

		switch p.tok.kind {
		case tokComma:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokRBracket { // trailing comma
				return out, p.advance()
			}
			continue
		case tokRBracket:
			return out, p.advance()
		default:
			return nil, &ParseError{Line: p.tok.line, Column: p.tok.column, Reason: "expected ',' or ']' in array starting at line " + itoa(line) + " col " + itoa(col)}
		}
	}
}

// orderedObject is a parsed document object: a lookup map plus the
// member names in declaration order. Sibling-state order is meaningful
// (builder.go relies on Keys() for child construction, default-initial
// selection, and bare-name target resolution), so it can't be discarded
// the way a plain Go map would discard it.
type orderedObject struct {
	keys   []string
	values map[string]interface{}
}

func newOrderedObject() *orderedObject {
	return &orderedObject{values: make(map[string]interface{})}
}

func (o *orderedObject) set(key string, val interface{}) {
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = val
}

// Get returns the value stored under key, or nil if key is absent (or o
// itself is nil), mirroring the zero-value lookup callers get from a plain
// map.
func (o *orderedObject) Get(key string) interface{} {
	if o == nil {
		return nil
	}
	return o.values[key]
}

// Keys returns the object's member names in declaration order.
func (o *orderedObject) Keys() []string {
	if o == nil {
		return nil
	}
	return o.keys
}

func (o *orderedObject) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

func (o *orderedObject) toMap() map[string]interface{} {
	if o == nil {
		return nil
	}
	m := make(map[string]interface{}, len(o.values))
	for k, v := range o.values {
		m[k] = v
	}
	return m
}

// asObject normalizes raw into an *orderedObject. A document parsed via
// ParseDocument already carries declaration order; a plain
// map[string]interface{} — the shape a machine description built directly
// in Go source takes — can't recover its literal order at runtime (Go map
// iteration order is unspecified), so its keys fall back to a sorted,
// deterministic-but-arbitrary order.
func asObject(raw interface{}) (*orderedObject, bool) {
	switch v := raw.(type) {
	case *orderedObject:
		return v, true
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return &orderedObject{keys: keys, values: v}, true
	default:
		return nil, false
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
