package report

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/ctftrace/internal/common"
)

const qrImageName = "trace-uuid"

// SavePDF renders sum into a PDF document. qrSize is the pixel size of the
// uuid QR code; traces without uuid get none.
func SavePDF(sum Summary, out string, qrSize int) error {
	title := emptyFallback(sum.Title, "CTF Trace Summary")
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, false)
	pdf.SetAuthor("ctfctl", false)
	pdf.SetCreator("ctfctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, title)
	if sum.UUID != "" {
		if err := addQRCode(pdf, sum.UUID, qrSize); err != nil {
			return err
		}
	}
	addSummarySection(pdf, sum)
	addInputsSection(pdf, sum.Inputs)
	if len(sum.EventCounts) > 0 {
		addEventsSection(pdf, sum.EventCounts)
	}
	if len(sum.Env) > 0 {
		addEnvSection(pdf, sum.Env)
	}

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

// addQRCode places the uuid code in the top right corner.
func addQRCode(pdf *gofpdf.Fpdf, id string, size int) error {
	png, err := UUIDToQR(id, size)
	if err != nil {
		return err
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(qrImageName, opts, bytes.NewReader(png))
	pageW, _ := pdf.GetPageSize()
	_, _, right, _ := pdf.GetMargins()
	const side = 30.0
	pdf.ImageOptions(qrImageName, pageW-right-side, 12, side, side, false, opts, 0, "")
	return nil
}

func addSectionHeader(pdf *gofpdf.Fpdf, name string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, name)
	pdf.Ln(9)
}

func addSummarySection(pdf *gofpdf.Fpdf, sum Summary) {
	addSectionHeader(pdf, "Summary")

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Directory", value: sum.Dir},
		{label: "UUID", value: emptyFallback(sum.UUID, "-")},
		{label: "CTF Version", value: sum.Version},
		{label: "Byte Order", value: sum.ByteOrder},
		{label: "Clocks", value: emptyFallback(strings.Join(sum.Clocks, ", "), "-")},
		{label: "Streams", value: strconv.Itoa(sum.Streams)},
		{label: "Event Types", value: strconv.Itoa(sum.EventTypes)},
		{label: "Time Range", value: timeRange(sum.Start, sum.End)},
		{label: "Lost Events", value: strconv.FormatUint(sum.LostEvents, 10)},
	}
	if sum.Events > 0 {
		items = append(items, struct {
			label string
			value string
		}{label: "Events", value: strconv.FormatUint(sum.Events, 10)})
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, item.label, "", 0, "L", false, 0, "")
		pdf.MultiCell(0, 6, item.value, "", "L", false)
	}
	if !sum.Generated.IsZero() {
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 6, "Generated "+sum.Generated.Format(time.RFC3339), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addInputsSection(pdf *gofpdf.Fpdf, inputs []InputSummary) {
	addSectionHeader(pdf, "Stream Inputs")

	headers := []string{"Input", "Size", "Packets", "Begin", "End", "Lost", "Targets"}
	widths := []float64{34, 20, 18, 30, 30, 16, 32}
	renderTableHeader(pdf, widths, headers)

	pdf.SetFont("Helvetica", "", 9)
	for _, in := range inputs {
		values := []string{
			in.Name,
			common.FormatBytes(in.SizeBytes),
			strconv.Itoa(in.Packets),
			optionalTS(in.Start),
			optionalTS(in.End),
			strconv.FormatUint(in.LostEvents, 10),
			strings.Join(in.Targets, ", "),
		}
		renderTableRow(pdf, widths, values, 5)
	}
	pdf.Ln(4)
}

func addEventsSection(pdf *gofpdf.Fpdf, counts []EventCount) {
	addSectionHeader(pdf, "Events")
	widths := []float64{120, 60}
	renderTableHeader(pdf, widths, []string{"Event", "Count"})
	pdf.SetFont("Helvetica", "", 9)
	for _, c := range counts {
		renderTableRow(pdf, widths, []string{c.Name, strconv.FormatUint(c.Count, 10)}, 5)
	}
	pdf.Ln(4)
}

func addEnvSection(pdf *gofpdf.Fpdf, env map[string]string) {
	addSectionHeader(pdf, "Environment")
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pdf.SetFont("Helvetica", "", 9)
	for _, k := range keys {
		pdf.MultiCell(0, 5, fmt.Sprintf("%s = %s", k, env[k]), "", "L", false)
	}
}

func renderTableHeader(pdf *gofpdf.Fpdf, widths []float64, headers []string) {
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func optionalTS(ts *int64) string {
	if ts == nil {
		return "-"
	}
	return strconv.FormatInt(*ts, 10)
}

func timeRange(start, end *int64) string {
	if start == nil || end == nil {
		return "-"
	}
	return fmt.Sprintf("%d .. %d (span %d)", *start, *end, *end-*start)
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
