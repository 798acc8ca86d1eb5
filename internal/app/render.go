package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/specialistvlad/calcgrid/internal/cycle"
	"github.com/specialistvlad/calcgrid/internal/depgraph"
	"github.com/specialistvlad/calcgrid/internal/fragment"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

var (
	colorOK     = lipgloss.Color("#2CD7C7")
	colorFailed = lipgloss.Color("#E74C3C")
	colorMuted  = lipgloss.Color("#2C4A54")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorOK)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = cellStyle.Foreground(colorOK)
	failedStyle = cellStyle.Foreground(colorFailed)
)

// renderValue prints v as JSON, the way it travels to and from nodes.
func renderValue(v cty.Value) string {
	if v.IsNull() {
		return "null"
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return v.GoString()
	}
	return string(b)
}

// renderResultTable prints one row per terminal requirement and the cause
// tree of every resolution failure below the table.
func renderResultTable(w io.Writer, res *cycle.Result) error {
	title := fmt.Sprintf("%s / %s @ %s", res.View, res.CalcConfig, res.ValuationTime.Format(time.RFC3339))
	summary := fmt.Sprintf("cycle %s, %d nodes in %d fragments, %d failed, %s",
		res.CycleID, res.Graph.Size(), res.Plan.Len(), len(res.Failed()), res.Duration.Round(time.Microsecond))

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("REQUIREMENT", "FUNCTION", "VALUE", "STATUS")
	for _, o := range res.Outcomes {
		status, val := "failed", ""
		if o.OK() {
			status, val = "ok", renderValue(o.Value)
		} else {
			val = o.Failure.Error()
		}
		t.Row(o.Requirement.String(), o.Specification.FunctionID, val, status)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case col == 3 && !res.Outcomes[row].OK():
			return failedStyle
		case col == 3:
			return okStyle
		default:
			return cellStyle
		}
	})

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteByte('\n')
	sb.WriteString(mutedStyle.Render(summary))
	sb.WriteByte('\n')
	sb.WriteString(t.Render())
	sb.WriteByte('\n')
	for _, o := range res.Failed() {
		var rf *depgraph.ResolutionFailure
		if errors.As(o.Failure, &rf) && len(rf.Causes) > 0 {
			sb.WriteByte('\n')
			sb.WriteString(rf.Tree())
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

type outcomeJSON struct {
	Requirement   string          `json:"requirement"`
	Specification string          `json:"specification,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	Failure       string          `json:"failure,omitempty"`
}

type resultJSON struct {
	CycleID       string        `json:"cycle_id"`
	View          string        `json:"view"`
	CalcConfig    string        `json:"calc_config"`
	ValuationTime time.Time     `json:"valuation_time"`
	Duration      string        `json:"duration"`
	Nodes         int           `json:"nodes"`
	Fragments     int           `json:"fragments"`
	Outcomes      []outcomeJSON `json:"outcomes"`
}

func renderResultJSON(w io.Writer, res *cycle.Result) error {
	out := resultJSON{
		CycleID:       res.CycleID.String(),
		View:          res.View,
		CalcConfig:    res.CalcConfig,
		ValuationTime: res.ValuationTime,
		Duration:      res.Duration.String(),
		Nodes:         res.Graph.Size(),
		Fragments:     res.Plan.Len(),
	}
	for _, o := range res.Outcomes {
		oj := outcomeJSON{Requirement: o.Requirement.String()}
		if o.Specification.ValueName != "" {
			oj.Specification = o.Specification.String()
		}
		if o.OK() {
			oj.Value = json.RawMessage(renderValue(o.Value))
		} else {
			oj.Failure = o.Failure.Error()
		}
		out.Outcomes = append(out.Outcomes, oj)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// renderPlan prints the fragments of p in ID order, then the cause tree of
// every terminal requirement that could not be resolved.
func renderPlan(w io.Writer, p *fragment.Plan) error {
	g := p.Graph
	title := fmt.Sprintf("%s / %s @ %s", g.View, g.CalcConfig, g.ValuationTime.Format(time.RFC3339))
	summary := fmt.Sprintf("%d nodes, %d market data inputs, %d fragments", g.Size(), len(g.MarketData()), p.Len())

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("FRAGMENT", "NODES", "INPUTS", "EST. COST").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, f := range p.Fragments {
		nodes := make([]string, len(f.Nodes))
		for i, n := range f.Nodes {
			nodes[i] = fmt.Sprintf("N%d %s(%s)", n.ID, n.FunctionID, n.Target)
		}
		inputs := make([]string, len(f.Inputs()))
		for i, in := range f.Inputs() {
			inputs[i] = in.String()
		}
		t.Row(strconv.Itoa(f.ID), strings.Join(nodes, "\n"), strings.Join(inputs, " "), f.Cost.String())
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteByte('\n')
	sb.WriteString(mutedStyle.Render(summary))
	sb.WriteByte('\n')
	sb.WriteString(t.Render())
	sb.WriteByte('\n')
	failures := g.Failures()
	for _, req := range g.Requirements() {
		if f, ok := failures[req]; ok {
			sb.WriteByte('\n')
			sb.WriteString(f.Tree())
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
