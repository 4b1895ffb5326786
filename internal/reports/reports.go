package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/schoolsafe/safeguard/internal/audit"
	"github.com/schoolsafe/safeguard/internal/models"
)

type ReportType string

const (
	ReportTypeCompliance ReportType = "compliance"
	ReportTypeExecutive  ReportType = "executive"
	ReportTypeAuditTrail ReportType = "audit_trail"
)

type ReportFormat string

const (
	FormatCSV  ReportFormat = "csv"
	FormatJSON ReportFormat = "json"
	FormatPDF  ReportFormat = "pdf"
)

type ReportRequest struct {
	Type   ReportType
	Format ReportFormat
	Title  string
	Since  *time.Time
}

// Export is one rendered report ready to serve. Exports carry subject
// digests and aggregates only, never raw identifiers or token mappings.
type Export struct {
	Type        ReportType
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

type Generator struct {
	store audit.Store
}

func NewGenerator(store audit.Store) *Generator {
	return &Generator{store: store}
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Export, error) {
	switch req.Type {
	case ReportTypeCompliance:
		return g.generateCompliance(ctx, req)
	case ReportTypeExecutive:
		return g.generateExecutive(ctx, req)
	case ReportTypeAuditTrail:
		return g.generateAuditTrail(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported report type: %s", req.Type)
	}
}

func (g *Generator) since(req *ReportRequest) time.Time {
	if req.Since != nil {
		return *req.Since
	}
	return time.Time{}
}

func (g *Generator) generateCompliance(ctx context.Context, req *ReportRequest) (*Export, error) {
	report, err := g.store.ComplianceReport(ctx, g.since(req))
	if err != nil {
		return nil, fmt.Errorf("compiling compliance report: %w", err)
	}

	var data []byte
	var filename, mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = complianceToCSV(report)
		filename = stamped("compliance", "csv")
		mimeType = "text/csv"
	case FormatJSON:
		data, err = json.MarshalIndent(report, "", "  ")
		filename = stamped("compliance", "json")
		mimeType = "application/json"
	case FormatPDF:
		data, err = complianceToPDF(report, req.Title)
		filename = stamped("compliance", "pdf")
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return &Export{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func complianceToCSV(report *models.ComplianceReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Privacy Compliance Report"})
	_ = w.Write([]string{"Generated", report.GeneratedAt.Format(time.RFC1123)})
	_ = w.Write([]string{""})

	_ = w.Write([]string{"Metric", "Value"})
	_ = w.Write([]string{"Total Analyses", fmt.Sprintf("%d", report.TotalAnalyses)})
	_ = w.Write([]string{"Anonymity Verified", fmt.Sprintf("%d", report.AnonymityVerifiedCount)})
	_ = w.Write([]string{"Outbound Violations Blocked", fmt.Sprintf("%d", report.OutboundViolationsBlocked)})
	_ = w.Write([]string{"Average Confidence", fmt.Sprintf("%.2f", report.AverageConfidence)})
	_ = w.Write([]string{"Zero Leak Confirmed", fmt.Sprintf("%t", report.ZeroLeakConfirmed)})
	_ = w.Write([]string{""})

	_ = w.Write([]string{"Risk Level", "Count"})
	for _, level := range []models.RiskLevel{models.RiskCritical, models.RiskHigh, models.RiskMedium, models.RiskLow} {
		_ = w.Write([]string{string(level), fmt.Sprintf("%d", report.ByRiskLevel[string(level)])})
	}
	_ = w.Write([]string{""})

	_ = w.Write([]string{"External Analysis Outcome", "Count"})
	for _, status := range []models.ExternalStatus{models.ExternalUsed, models.ExternalSkipped, models.ExternalBlocked, models.ExternalFailed} {
		_ = w.Write([]string{string(status), fmt.Sprintf("%d", report.ExternalUsage[string(status)])})
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func complianceToPDF(report *models.ComplianceReport, title string) ([]byte, error) {
	if title == "" {
		title = "Privacy Compliance Report"
	}
	pdf := NewPDFReport(title)

	pdf.AddSection("Privacy Posture")
	leak := "CONFIRMED: no raw identifier crossed the external boundary"
	if !report.ZeroLeakConfirmed {
		leak = "REVIEW REQUIRED: unverified external exchanges present"
	}
	pdf.AddParagraph(leak)
	pdf.AddSummaryTable(map[string]int{
		"Total Analyses":              report.TotalAnalyses,
		"Anonymity Verified":          report.AnonymityVerifiedCount,
		"Outbound Violations Blocked": report.OutboundViolationsBlocked,
	})

	pdf.AddSection("Analyses by Risk Level")
	pdf.AddChart("", map[string]int{
		"Critical": report.ByRiskLevel[string(models.RiskCritical)],
		"High":     report.ByRiskLevel[string(models.RiskHigh)],
		"Medium":   report.ByRiskLevel[string(models.RiskMedium)],
		"Low":      report.ByRiskLevel[string(models.RiskLow)],
	})

	pdf.AddSection("External Analysis Outcomes")
	pdf.AddSummaryTable(map[string]int{
		"Used":    report.ExternalUsage[string(models.ExternalUsed)],
		"Skipped": report.ExternalUsage[string(models.ExternalSkipped)],
		"Blocked": report.ExternalUsage[string(models.ExternalBlocked)],
		"Failed":  report.ExternalUsage[string(models.ExternalFailed)],
	})

	return pdf.Output()
}

func (g *Generator) generateExecutive(ctx context.Context, req *ReportRequest) (*Export, error) {
	report, err := g.store.ComplianceReport(ctx, g.since(req))
	if err != nil {
		return nil, fmt.Errorf("compiling aggregates: %w", err)
	}

	var data []byte
	var filename, mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = executiveToCSV(report)
		filename = stamped("executive", "csv")
		mimeType = "text/csv"
	case FormatJSON:
		data, err = json.MarshalIndent(report, "", "  ")
		filename = stamped("executive", "json")
		mimeType = "application/json"
	case FormatPDF:
		data, err = executiveToPDF(report, req.Title)
		filename = stamped("executive", "pdf")
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return &Export{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func executiveToCSV(report *models.ComplianceReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Safeguarding Executive Summary"})
	_ = w.Write([]string{"Generated", time.Now().Format(time.RFC1123)})
	_ = w.Write([]string{""})

	elevated := report.ByRiskLevel[string(models.RiskHigh)] + report.ByRiskLevel[string(models.RiskCritical)]
	_ = w.Write([]string{"Metric", "Value"})
	_ = w.Write([]string{"Analyses Run", fmt.Sprintf("%d", report.TotalAnalyses)})
	_ = w.Write([]string{"Elevated Risk Outcomes", fmt.Sprintf("%d", elevated)})
	_ = w.Write([]string{"Critical Outcomes", fmt.Sprintf("%d", report.ByRiskLevel[string(models.RiskCritical)])})
	_ = w.Write([]string{"Average Confidence", fmt.Sprintf("%.2f", report.AverageConfidence)})
	_ = w.Write([]string{"External Analyses Used", fmt.Sprintf("%d", report.ExternalUsage[string(models.ExternalUsed)])})

	w.Flush()
	return buf.Bytes(), w.Error()
}

func executiveToPDF(report *models.ComplianceReport, title string) ([]byte, error) {
	if title == "" {
		title = "Safeguarding Executive Summary"
	}
	pdf := NewPDFReport(title)

	pdf.AddSection("Overview")
	pdf.AddMetricBoxes([]MetricBox{
		{Label: "Analyses", Value: report.TotalAnalyses, Color: [3]int{66, 133, 244}},
		{Label: "High Risk", Value: report.ByRiskLevel[string(models.RiskHigh)], Color: [3]int{253, 126, 20}},
		{Label: "Critical", Value: report.ByRiskLevel[string(models.RiskCritical)], Color: [3]int{220, 53, 69}},
		{Label: "Blocked", Value: report.OutboundViolationsBlocked, Color: [3]int{108, 117, 125}},
	})

	pdf.AddSection("Outcomes by Risk Level")
	pdf.AddChart("", map[string]int{
		"Critical": report.ByRiskLevel[string(models.RiskCritical)],
		"High":     report.ByRiskLevel[string(models.RiskHigh)],
		"Medium":   report.ByRiskLevel[string(models.RiskMedium)],
		"Low":      report.ByRiskLevel[string(models.RiskLow)],
	})

	return pdf.Output()
}

func (g *Generator) generateAuditTrail(ctx context.Context, req *ReportRequest) (*Export, error) {
	filters := audit.ListFilters{Since: req.Since}
	records, _, err := g.store.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}

	var data []byte
	var filename, mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = auditTrailToCSV(records)
		filename = stamped("audit_trail", "csv")
		mimeType = "text/csv"
	case FormatJSON:
		data, err = json.MarshalIndent(records, "", "  ")
		filename = stamped("audit_trail", "json")
		mimeType = "application/json"
	case FormatPDF:
		data, err = auditTrailToPDF(records, req.Title)
		filename = stamped("audit_trail", "pdf")
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return &Export{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func auditTrailToCSV(records []models.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"ID", "Subject Digest", "Final Stage", "Overall Level", "Confidence",
		"Patterns", "External", "Anonymity Verified", "Violation Blocked", "Completed At",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, r := range records {
		row := []string{
			r.ID.String(),
			r.SubjectDigest,
			string(r.FinalStage),
			string(r.OverallLevel),
			fmt.Sprintf("%.2f", r.ConfidenceScore),
			fmt.Sprintf("%d", r.PatternsFound),
			string(r.ExternalStatus),
			fmt.Sprintf("%t", r.AnonymityVerified),
			fmt.Sprintf("%t", r.ViolationBlocked),
			r.CompletedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func auditTrailToPDF(records []models.AuditRecord, title string) ([]byte, error) {
	if title == "" {
		title = "Analysis Audit Trail"
	}
	pdf := NewPDFReport(title)

	pdf.AddSection(fmt.Sprintf("Audit Records (%d)", len(records)))
	headers := []string{"ID", "Digest", "Stage", "Level", "External"}
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{
			truncate(r.ID.String(), 12),
			truncate(r.SubjectDigest, 12),
			string(r.FinalStage),
			string(r.OverallLevel),
			string(r.ExternalStatus),
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

// StreamCSV writes the audit trail directly without buffering the whole
// export, for large date ranges.
func (g *Generator) StreamCSV(ctx context.Context, w io.Writer, req *ReportRequest) error {
	records, _, err := g.store.List(ctx, audit.ListFilters{Since: req.Since})
	if err != nil {
		return err
	}

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	header := []string{"ID", "Subject Digest", "Final Stage", "Overall Level", "External", "Completed At"}
	if err := csvWriter.Write(header); err != nil {
		return err
	}

	for _, r := range records {
		row := []string{
			r.ID.String(), r.SubjectDigest, string(r.FinalStage),
			string(r.OverallLevel), string(r.ExternalStatus),
			r.CompletedAt.Format(time.RFC3339),
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}

	return nil
}

func stamped(prefix, ext string) string {
	return fmt.Sprintf("%s_%s.%s", prefix, time.Now().Format("20060102_150405"), ext)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
