package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/photonmeter/internal/health"
	"github.com/energizer-project/photonmeter/internal/identity"
	"github.com/energizer-project/photonmeter/internal/meter"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.SetAutoFormatHeaders(false)
	return tw
}

// RenderSnapshot prints the rolling meter, one row per source.
func RenderSnapshot(w io.Writer, snap meter.Snapshot) {
	state := "running"
	if !snap.Running {
		state = "stopped"
	}
	fmt.Fprintf(w, "\n  Mode: %s (%s)  Zone: %s  Window: %s\n", snap.Mode, state, orDash(snap.Zone), snap.Window)

	tw := newTable(w, "#", "Source", "Damage", "DPS", "Heal", "HPS", "Share")
	for i, s := range snap.Sources {
		tw.Append([]string{
			strconv.Itoa(i + 1),
			s.Label,
			strconv.FormatUint(s.Damage, 10),
			formatRate(s.DPS),
			strconv.FormatUint(s.Heal, 10),
			formatRate(s.HPS),
			share(s.Damage, snap.TotalDamage),
		})
	}
	tw.SetFooter([]string{"", "Total",
		strconv.FormatUint(snap.TotalDamage, 10), formatRate(snap.TotalDPS),
		strconv.FormatUint(snap.TotalHeal, 10), formatRate(snap.TotalHPS), ""})
	tw.Render()
	fmt.Fprintln(w)
}

// RenderHistory prints one row per archived encounter, most recent first.
func RenderHistory(w io.Writer, entries []meter.HistoryEntry) {
	fmt.Fprintln(w)
	tw := newTable(w, "#", "Ended", "Duration", "Zone", "Reason", "Damage", "Heal", "Top")
	for i, e := range entries {
		top := "-"
		if len(e.Entries) > 0 {
			top = e.Entries[0].Label
		}
		tw.Append([]string{
			strconv.Itoa(i + 1),
			e.End.Local().Format("15:04:05"),
			formatDuration(e.Duration),
			orDash(e.Zone),
			string(e.Reason),
			strconv.FormatUint(e.TotalDamage, 10),
			strconv.FormatUint(e.TotalHeal, 10),
			top,
		})
	}
	tw.Render()
	fmt.Fprintln(w)
}

// RenderEntry prints the per-source breakdown of one encounter.
func RenderEntry(w io.Writer, e meter.HistoryEntry) {
	fmt.Fprintf(w, "\n  Encounter: %s\n", e.ID)
	fmt.Fprintf(w, "  Mode:      %s\n", e.Mode)
	fmt.Fprintf(w, "  Zone:      %s\n", orDash(e.Zone))
	fmt.Fprintf(w, "  Start:     %s\n", e.Start.Format(time.RFC3339))
	fmt.Fprintf(w, "  Duration:  %s\n", formatDuration(e.Duration))
	fmt.Fprintf(w, "  Reason:    %s\n\n", e.Reason)

	tw := newTable(w, "Source", "Damage", "DPS", "Heal", "HPS", "Share")
	for _, s := range e.Entries {
		tw.Append([]string{
			s.Label,
			strconv.FormatUint(s.Damage, 10),
			formatRate(s.DPS),
			strconv.FormatUint(s.Heal, 10),
			formatRate(s.HPS),
			share(s.Damage, e.TotalDamage),
		})
	}
	tw.SetFooter([]string{"Total", strconv.FormatUint(e.TotalDamage, 10), "", strconv.FormatUint(e.TotalHeal, 10), "", ""})
	tw.Render()
	fmt.Fprintln(w)
}

// RenderIdentity prints the self and party resolution state.
func RenderIdentity(w io.Writer, v identity.View) {
	self := "unresolved"
	if v.HasPrimary {
		self = strconv.FormatInt(v.PrimarySelfID, 10)
	}
	name := orDash(v.SelfName)
	if v.SelfName != "" && !v.SelfNameConfirmed {
		name += " (unconfirmed)"
	}
	zone := orDash(v.Zone)
	if v.Zone != "" && !v.ZoneAuthoritative {
		zone += " (port)"
	}

	fmt.Fprintf(w, "\n  Zone:        %s\n", zone)
	fmt.Fprintf(w, "  Self id:     %s\n", self)
	fmt.Fprintf(w, "  Self ids:    %s\n", joinIDs(v.SelfIDs))
	fmt.Fprintf(w, "  Self name:   %s\n", name)
	fmt.Fprintf(w, "  Party:       %s\n", orDash(strings.Join(v.PartyNames, ", ")))
	fmt.Fprintf(w, "  Party ids:   %s\n", joinIDs(v.PartyIDs))
	if len(v.MatchRoster) > 0 {
		fmt.Fprintf(w, "  Match:       %s\n", strings.Join(v.MatchRoster, ", "))
	}

	if len(v.Candidates) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w, "Candidate", "Score")
		for _, c := range v.Candidates {
			tw.Append([]string{strconv.FormatInt(c.ID, 10), fmt.Sprintf("%.2f", c.Score)})
		}
		tw.Render()
	}
	fmt.Fprintln(w)
}

// RenderHealth prints the decode health counters.
func RenderHealth(w io.Writer, r health.Report) {
	fmt.Fprintln(w)
	tw := newTable(w, "Metric", "Value")
	tw.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	rows := [][2]string{
		{"status", string(r.Status)},
		{"packets", strconv.FormatUint(r.Packets, 10)},
		{"messages", strconv.FormatUint(r.Messages, 10)},
		{"combat events", strconv.FormatUint(r.CombatEvents, 10)},
		{"filtered", strconv.FormatUint(r.Filtered, 10)},
		{"archived", strconv.FormatUint(r.Archived, 10)},
		{"unknown", strconv.FormatUint(r.Unknown, 10)},
		{"decode errors", strconv.FormatUint(r.DecodeErrors, 10)},
		{"frame errors", strconv.FormatUint(r.FrameErrors, 10)},
	}
	if !r.LastPacket.IsZero() {
		rows = append(rows, [2]string{"last packet", r.LastPacket.Format(time.RFC3339)})
	}
	for _, row := range rows {
		tw.Append(row[:])
	}
	tw.Render()
	fmt.Fprintln(w)
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func formatDuration(sec float64) string {
	return (time.Duration(sec*float64(time.Second)) / time.Millisecond * time.Millisecond).String()
}

func share(part, total uint64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(part)*100/float64(total))
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
