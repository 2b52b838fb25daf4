package shell

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// expandWords evaluates each word to zero or more fields: parameter and
// command substitution happen per the AST, and a word built from a single
// unquoted literal containing glob metacharacters is expanded against the
// VFS (host-ABI glob, not Go's os.Glob) into one field per match, or left
// as-is if nothing matches (the traditional shell behavior).
func (d *Driver) expandWords(ctx context.Context, words []*syntax.Word, fr *frame) ([]string, error) {
	var out []string
	for _, w := range words {
		literalOnly := isUnquotedLiteral(w)
		s, err := d.expandWord(ctx, w, fr)
		if err != nil {
			return nil, err
		}
		if literalOnly && strings.ContainsAny(s, "*?[") {
			matches, gerr := d.vfsRoot.Glob(resolvePath(d.Cwd(), s))
			if gerr == nil && len(matches) > 0 {
				out = append(out, matches...)
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func isUnquotedLiteral(w *syntax.Word) bool {
	if len(w.Parts) != 1 {
		return false
	}
	_, ok := w.Parts[0].(*syntax.Lit)
	return ok
}

func (d *Driver) expandWord(ctx context.Context, w *syntax.Word, fr *frame) (string, error) {
	var sb strings.Builder
	for _, part := range w.Parts {
		s, err := d.expandPart(ctx, part, fr)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

func (d *Driver) expandPart(ctx context.Context, part syntax.WordPart, fr *frame) (string, error) {
	switch p := part.(type) {
	case *syntax.Lit:
		return p.Value, nil
	case *syntax.SglQuoted:
		return p.Value, nil
	case *syntax.DblQuoted:
		var sb strings.Builder
		for _, inner := range p.Parts {
			s, err := d.expandPart(ctx, inner, fr)
			if err != nil {
				return "", err
			}
			sb.WriteString(s)
		}
		return sb.String(), nil
	case *syntax.ParamExp:
		return d.expandParam(p)
	case *syntax.CmdSubst:
		script := printStmts(p.Stmts)
		out, _, err := d.captureOutput(ctx, script)
		if err != nil {
			return "", err
		}
		return out, nil
	case *syntax.ArithmExp:
		return "0", nil
	default:
		return "", nil
	}
}

func (d *Driver) expandParam(p *syntax.ParamExp) (string, error) {
	name := p.Param.Value
	if name == "?" {
		d.mu.Lock()
		rc := d.lastRC
		d.mu.Unlock()
		return strconv.Itoa(rc), nil
	}
	if name == "$" {
		return strconv.Itoa(d.pid), nil
	}

	val, ok := d.GetEnv(name)
	if !ok {
		d.mu.Lock()
		nounset := d.opts.Nounset
		d.mu.Unlock()
		if nounset {
			return "", fmt.Errorf("shell: %s: unbound variable", name)
		}
		val = ""
	}

	if p.Exp == nil {
		return val, nil
	}
	switch p.Exp.Op {
	case syntax.AlternateUnset, syntax.AlternateUnsetOrNull:
		if ok && val != "" {
			return printWord(p.Exp.Word), nil
		}
		return "", nil
	case syntax.DefaultUnset, syntax.DefaultUnsetOrNull:
		if ok && val != "" {
			return val, nil
		}
		return printWord(p.Exp.Word), nil
	default:
		return val, nil
	}
}

// printWord and printStmts re-serialize AST fragments back to shell text
// for the rare constructs (default-value words, command substitution
// bodies) this driver chooses to re-parse rather than walk a second time.
func printWord(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	var sb strings.Builder
	printer := syntax.NewPrinter()
	printer.Print(&sb, w)
	return sb.String()
}

func printStmts(stmts []*syntax.Stmt) string {
	var sb strings.Builder
	printer := syntax.NewPrinter()
	file := &syntax.File{Stmts: stmts}
	printer.Print(&sb, file)
	return sb.String()
}

func resolvePath(cwd, p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	if cwd == "" {
		cwd = "/"
	}
	return strings.TrimRight(cwd, "/") + "/" + p
}
