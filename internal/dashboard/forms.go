package dashboard

import (
	"encoding/json"
	"strings"
)

// Known form type discriminators. The store accepts any type string; these
// are the ones the dashboard ships forms for.
const (
	FormTypeSummary      = "summary"
	FormTypeQECapability = "qe-capability"
	FormTypeAutomation   = "automation"
	FormTypePerformance  = "performance"
	FormTypeSecurity     = "security"
	FormTypeEnvironments = "environments"
)

// SummaryForm is the top-level quality summary.
type SummaryForm struct {
	OverallQualityScore float64 `json:"overallQualityScore"`
	ReleaseReadiness    string  `json:"releaseReadiness,omitempty"`
	OpenDefects         int     `json:"openDefects,omitempty"`
	CriticalDefects     int     `json:"criticalDefects,omitempty"`
	Notes               string  `json:"notes,omitempty"`
}

// QECapabilityForm tracks team maturity per capability area.
type QECapabilityForm struct {
	TestStrategyMaturity  float64 `json:"testStrategyMaturity,omitempty"`
	AutomationMaturity    float64 `json:"automationMaturity,omitempty"`
	PerformanceMaturity   float64 `json:"performanceMaturity,omitempty"`
	SecurityMaturity      float64 `json:"securityMaturity,omitempty"`
	ObservabilityMaturity float64 `json:"observabilityMaturity,omitempty"`
}

// AutomationForm tracks automated test coverage and health.
type AutomationForm struct {
	TotalTests      int     `json:"totalTests,omitempty"`
	AutomatedTests  int     `json:"automatedTests,omitempty"`
	PassRate        float64 `json:"passRate,omitempty"`
	CoveragePercent float64 `json:"coveragePercent,omitempty"`
	FlakyTests      int     `json:"flakyTests,omitempty"`
}

// PerformanceForm tracks load test results.
type PerformanceForm struct {
	P95LatencyMillis   float64 `json:"p95LatencyMillis,omitempty"`
	ThroughputPerSec   float64 `json:"throughputPerSec,omitempty"`
	ErrorRatePercent   float64 `json:"errorRatePercent,omitempty"`
	LastRunEnvironment string  `json:"lastRunEnvironment,omitempty"`
}

// SecurityForm tracks scan findings.
type SecurityForm struct {
	CriticalFindings int    `json:"criticalFindings,omitempty"`
	HighFindings     int    `json:"highFindings,omitempty"`
	MediumFindings   int    `json:"mediumFindings,omitempty"`
	LastScanDate     string `json:"lastScanDate,omitempty"`
}

// EnvironmentsForm tracks environment availability.
type EnvironmentsForm struct {
	TotalEnvironments   int     `json:"totalEnvironments,omitempty"`
	HealthyEnvironments int     `json:"healthyEnvironments,omitempty"`
	UptimePercent       float64 `json:"uptimePercent,omitempty"`
}

// KnownFormType reports whether the dashboard ships a typed shape for a form
// type. Unknown types are still stored; they just stay generic.
func KnownFormType(formType string) bool {
	switch strings.TrimSpace(formType) {
	case FormTypeSummary, FormTypeQECapability, FormTypeAutomation,
		FormTypePerformance, FormTypeSecurity, FormTypeEnvironments:
		return true
	default:
		return false
	}
}

// DecodeFormData decodes a record's generic data map into a typed form
// shape. Extra fields in the map are ignored; missing fields zero out.
func DecodeFormData(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// EncodeFormData turns a typed form shape back into the generic map the
// store persists.
func EncodeFormData(form any) (map[string]any, error) {
	raw, err := json.Marshal(form)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
