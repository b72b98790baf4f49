package ttctl

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// printer renders command results as a table or as indented JSON.
type printer struct {
	w    io.Writer
	json bool
}

func (p printer) render(v any, table func(t *tablewriter.Table) error) error {
	if p.json {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		_, err = fmt.Fprintln(p.w, string(b))
		return err
	}
	t := tablewriter.NewWriter(p.w)
	if err := table(t); err != nil {
		return err
	}
	return t.Render()
}

func (p printer) line(format string, a ...any) {
	fmt.Fprintf(p.w, format+"\n", a...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
