package sqlguard

import "fmt"

type role int

const (
	roleNone role = iota
	roleKeyword
	roleTable
	roleSchema
	roleQualifier
	roleQualifiedColumn
	roleColumn
	roleOutputRef
	roleAlias
	roleFunction
	roleCastType
	roleTypeModifier
)

// parenFrame tracks one parenthesis depth. fromList stays set through the
// ON conditions of a join, so a comma after "JOIN b ON ..." still starts a
// new table reference.
type parenFrame struct {
	clause   string
	cast     bool
	fromList bool
}

// clauseKeywords switch the clause tracked for the current parenthesis depth.
var clauseKeywords = setOf(
	"select", "from", "where", "on", "group", "order", "having", "limit", "offset",
	"union", "intersect", "except",
)

// outputRefClauses may name a select-list alias instead of a column.
var outputRefClauses = setOf("order", "group", "having")

// sessionValues read connection state without parentheses and are never
// excused by an alias of the same name.
var sessionValues = setOf(
	"current_user", "session_user", "user", "current_role", "current_catalog",
	"current_schema", "system_user",
)

// aliasSet separates FROM-item aliases, which map to the table they rename
// or to "" for a subquery, from select-list output names.
type aliasSet struct {
	from   map[string]string
	output map[string]struct{}
}

// classify assigns a role to every word and quoted identifier.
func classify(tokens []token) ([]role, aliasSet, *rejection) {
	roles := make([]role, len(tokens))
	aliases := aliasSet{from: make(map[string]string), output: make(map[string]struct{})}
	stack := []parenFrame{{}}

	for i, tok := range tokens {
		top := &stack[len(stack)-1]

		if tok.kind == tokenPunct {
			switch tok.text {
			case "(":
				frame := parenFrame{}
				if i > 0 && tokens[i-1].is(tokenWord, "cast") {
					frame.cast = true
				}
				stack = append(stack, frame)
			case ")":
				stack = stack[:len(stack)-1]
			case "::":
				if i+1 >= len(tokens) || !isIdentifier(tokens[i+1]) {
					return nil, aliasSet{}, reject(ReasonMalformed, "cast without type")
				}
				roles[i+1] = roleCastType
			}
			continue
		}
		if !isIdentifier(tok) {
			continue
		}
		if roles[i] == roleTypeModifier {
			continue
		}
		if roles[i] == roleCastType {
			if i+1 < len(tokens) && tokens[i+1].is(tokenPunct, "(") {
				if rej := markTypeModifier(tokens, roles, i+1); rej != nil {
					return nil, aliasSet{}, rej
				}
			}
			continue
		}

		if isKeyword(tok) {
			roles[i] = roleKeyword
			if _, ok := clauseKeywords[tok.text]; ok {
				top.clause = tok.text
				switch tok.text {
				case "from":
					top.fromList = true
				case "on":
				default:
					top.fromList = false
				}
			}
			if tok.text == "join" {
				top.clause = "from"
				top.fromList = true
			}
			if tok.text == "as" && top.cast {
				if i+1 >= len(tokens) || !isIdentifier(tokens[i+1]) {
					return nil, aliasSet{}, reject(ReasonMalformed, "cast without type")
				}
				roles[i+1] = roleCastType
			}
			continue
		}

		var prev, next token
		hasPrev := i > 0
		if hasPrev {
			prev = tokens[i-1]
		}
		hasNext := i+1 < len(tokens)
		if hasNext {
			next = tokens[i+1]
		}

		switch {
		case hasNext && next.is(tokenPunct, "("):
			roles[i] = roleFunction
		case hasPrev && isTablePosition(tokens, roles, i, top.fromList):
			if hasNext && next.is(tokenPunct, ".") {
				roles[i] = roleSchema
			} else {
				roles[i] = roleTable
			}
		case hasNext && next.is(tokenPunct, "."):
			roles[i] = roleQualifier
		case hasPrev && prev.is(tokenPunct, "."):
			roles[i] = roleQualifiedColumn
		case hasPrev && isAliasPosition(tokens, i):
			roles[i] = roleAlias
			if top.fromList {
				aliases.from[tok.text] = aliasTarget(tokens, roles, i)
			} else {
				aliases.output[tok.text] = struct{}{}
			}
		default:
			roles[i] = roleColumn
			if _, ok := outputRefClauses[top.clause]; ok {
				roles[i] = roleOutputRef
			}
		}
	}
	return roles, aliases, nil
}

// checkIdentifiers verifies table references before anything else so that a
// foreign table is always reported as such. Qualifiers must name an
// allow-listed table or a FROM item; output aliases only stand in for
// columns in ORDER BY, GROUP BY and HAVING.
func (v *Validator) checkIdentifiers(tokens []token, roles []role, aliases aliasSet) *rejection {
	for i, tok := range tokens {
		switch roles[i] {
		case roleSchema:
			if tok.text != "public" {
				return reject(ReasonTableNotAllowed, tok.text)
			}
		case roleTable:
			if _, ok := v.schema.Table(tok.text); !ok {
				return reject(ReasonTableNotAllowed, tok.text)
			}
		case roleQualifier:
			if _, ok := v.schema.Table(tok.text); ok {
				continue
			}
			if _, ok := aliases.from[tok.text]; !ok {
				return reject(ReasonTableNotAllowed, tok.text)
			}
		}
	}

	for i, tok := range tokens {
		switch roles[i] {
		case roleKeyword:
			if _, ok := unsupportedKeywords[tok.text]; ok {
				return reject(ReasonUnsupportedSyntax, tok.text)
			}
		case roleQualifiedColumn:
			if !v.qualifiedColumnAllowed(tokens[i-2].text, tok.text, aliases) {
				return reject(ReasonColumnNotAllowed, fmt.Sprintf("%s.%s", tokens[i-2].text, tok.text))
			}
		case roleColumn:
			if !v.schema.HasColumn(tok.text) {
				return reject(ReasonColumnNotAllowed, tok.text)
			}
		case roleOutputRef:
			if v.schema.HasColumn(tok.text) || aliases.namesOutput(tok.text) {
				continue
			}
			return reject(ReasonColumnNotAllowed, tok.text)
		case roleFunction:
			if tok.kind == tokenQuoted || !v.schema.AllowsFunction(tok.text) {
				return reject(ReasonFunctionNotAllowed, tok.text)
			}
		case roleCastType:
			if tok.kind == tokenQuoted || !v.schema.AllowsCast(tok.text) {
				return reject(ReasonUnsupportedSyntax, "cast to "+tok.text)
			}
		}
	}
	return nil
}

func (v *Validator) qualifiedColumnAllowed(qualifier, column string, aliases aliasSet) bool {
	tableName := qualifier
	if target, ok := aliases.from[qualifier]; ok {
		tableName = target
	}
	if table, ok := v.schema.Table(tableName); ok {
		_, found := table.Column(column)
		return found
	}
	// A subquery in FROM exposes its own select-list names.
	return v.schema.HasColumn(column) || aliases.namesOutput(column)
}

func (a aliasSet) namesOutput(name string) bool {
	if _, session := sessionValues[name]; session {
		return false
	}
	_, ok := a.output[name]
	return ok
}

// markTypeModifier accepts only numeric arguments inside a cast type
// modifier such as numeric(12,2).
func markTypeModifier(tokens []token, roles []role, open int) *rejection {
	for j := open + 1; j < len(tokens); j++ {
		tok := tokens[j]
		switch {
		case tok.is(tokenPunct, ")"):
			return nil
		case tok.kind == tokenNumber, tok.is(tokenPunct, ","):
			roles[j] = roleTypeModifier
		default:
			return reject(ReasonUnsupportedSyntax, "type modifier")
		}
	}
	return reject(ReasonMalformed, "unterminated type modifier")
}

func isTablePosition(tokens []token, roles []role, i int, fromList bool) bool {
	prev := tokens[i-1]
	switch {
	case prev.is(tokenWord, "from"), prev.is(tokenWord, "join"):
		return true
	case prev.is(tokenPunct, ",") && fromList:
		return true
	case prev.is(tokenPunct, ".") && i >= 2 && roles[i-2] == roleSchema:
		return true
	}
	return false
}

// isAliasPosition reports whether the identifier at i names the expression
// or table before it: either right after AS, or directly after another
// operand with no operator in between.
func isAliasPosition(tokens []token, i int) bool {
	prev := tokens[i-1]
	if prev.is(tokenWord, "as") {
		return true
	}
	switch prev.kind {
	case tokenQuoted, tokenNumber, tokenString:
		return true
	case tokenWord:
		return !isKeyword(prev)
	case tokenPunct:
		return prev.text == ")"
	}
	return false
}

func aliasTarget(tokens []token, roles []role, i int) string {
	source := i - 1
	if tokens[source].is(tokenWord, "as") {
		source--
	}
	if source >= 0 && roles[source] == roleTable {
		return tokens[source].text
	}
	return ""
}

func isIdentifier(tok token) bool {
	return tok.kind == tokenWord || tok.kind == tokenQuoted
}

func isKeyword(tok token) bool {
	if tok.kind != tokenWord {
		return false
	}
	_, ok := keywords[tok.text]
	return ok
}
