package commands

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/shiftcmd/pycodegraph/pkg/backup"
	"github.com/shiftcmd/pycodegraph/pkg/orchestrator"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
)

// renderResults prints a terminal job's artifact map and summary counts.
func renderResults(results orchestrator.Results) {
	successColor.Printf("\njob %s completed\n\n", results.Job.JobID)

	headerColor.Println("Summary")

	summary := table.NewWriter()
	summary.SetOutputMirror(os.Stdout)
	summary.AppendHeader(table.Row{"Metric", "Value"})
	summary.AppendRows([]table.Row{
		{"files discovered", results.Summary.FilesDiscovered},
		{"modules parsed", results.Summary.ModulesParsed},
		{"modules cached", results.Summary.ModulesCached},
		{"modules failed", results.Summary.ModulesFailed},
		{"nodes", results.Summary.Nodes},
		{"relationships", results.Summary.Relationships},
		{"nodes uploaded", results.Summary.NodesUploaded},
		{"relationships uploaded", results.Summary.RelationshipsUploaded},
		{"relationships skipped", results.Summary.SkippedRelationships},
	})
	summary.Render()

	headerColor.Println("\nArtifacts")

	artifacts := table.NewWriter()
	artifacts.SetOutputMirror(os.Stdout)
	artifacts.AppendHeader(table.Row{"Kind", "Path"})

	for kind, path := range results.Artifacts {
		artifacts.AppendRow(table.Row{string(kind), path})
	}

	artifacts.SortBy([]table.SortBy{{Name: "Kind", Mode: table.Asc}})
	artifacts.Render()
}

// renderBackups prints the backup records as a table.
func renderBackups(records []backup.Record) {
	if len(records) == 0 {
		color.Yellow("no backups")

		return
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{"Job ID", "Created", "Size", "Description"})

	for _, r := range records {
		tbl.AppendRow(table.Row{
			r.JobID,
			r.CreatedAt.Format(time.RFC3339),
			humanize.Bytes(uint64(r.SizeBytes)),
			r.Description,
		})
	}

	tbl.Render()
}
