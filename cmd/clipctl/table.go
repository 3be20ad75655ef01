package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"clipforge/internal/httpapi/handlers"
	"clipforge/internal/models"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func jobsTable(jobs []models.RenderJob) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			string(j.Status),
			strconv.Itoa(j.ProgressPercent) + "%",
			strconv.Itoa(j.TotalArtifacts),
			j.SourceRef,
			j.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"Job", "Status", "Progress", "Clips", "Source", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func artifactsTable(arts []models.RenderArtifact) string {
	rows := make([][]string, 0, len(arts))
	for _, a := range arts {
		detail := deref(a.OutputLocation)
		if a.ErrorMessage != nil {
			detail = *a.ErrorMessage
		} else if detail == "" && a.RenderStage != nil {
			detail = string(*a.RenderStage)
		}
		rows = append(rows, []string{
			strconv.Itoa(a.Index),
			fmt.Sprintf("%.2f", a.Score),
			formatWindow(a.StartMS, a.EndMS),
			string(a.Status),
			string(a.CertStatus),
			detail,
		})
	}
	return renderTable(
		[]string{"#", "Score", "Window", "Status", "Cert", "Output / Error"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func viewText(v handlers.JobView) string {
	j := v.Job
	out := fmt.Sprintf("Job %s  %s  %d%%  (%d clips)\n", j.ID, j.Status, j.ProgressPercent, j.TotalArtifacts)
	if j.ErrorMessage != nil {
		out += "Error: " + *j.ErrorMessage + "\n"
	}
	if len(v.Artifacts) > 0 {
		out += artifactsTable(v.Artifacts) + "\n"
	}
	return out
}

func formatWindow(startMS, endMS int64) string {
	return fmt.Sprintf("%s-%s", msClock(startMS), msClock(endMS))
}

func msClock(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	m := int(d / time.Minute)
	s := float64(d%time.Minute) / float64(time.Second)
	return fmt.Sprintf("%d:%04.1f", m, s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
