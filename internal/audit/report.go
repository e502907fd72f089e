package audit

import (
	"fmt"
	"time"
)

// FindingStatus is the outcome of one compliance control check.
type FindingStatus string

const (
	FindingPass    FindingStatus = "PASS"
	FindingPartial FindingStatus = "PARTIAL"
	FindingFail    FindingStatus = "FAIL"
)

// MinRetentionDays is the retention floor the report checks against
// (ten years).
const MinRetentionDays = 3650

// Finding is one pass/fail result against a regulatory control.
type Finding struct {
	ControlID   string        `json:"control_id"`
	Status      FindingStatus `json:"status"`
	Evidence    string        `json:"evidence"`
	Remediation string        `json:"remediation,omitempty"`
}

// ReportConfig is the external configuration the report audits alongside
// the log.
type ReportConfig struct {
	RetentionDays int
	// TrainingComplete is the legacy boolean evidence flag.
	TrainingComplete bool
	// TrainingRecordCount supersedes the boolean when positive.
	TrainingRecordCount int
	TrainingTopics      []string
	TrainedUsers        []string
}

// Report aggregates the control findings plus a snapshot of per-record
// integrity status. Generated fresh on every call; no report state is
// persisted.
type Report struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	Findings    []Finding                  `json:"findings"`
	Integrity   map[string]IntegrityStatus `json:"integrity"`
}

// Passed is true iff every finding is PASS.
func (r Report) Passed() bool {
	for _, f := range r.Findings {
		if f.Status != FindingPass {
			return false
		}
	}
	return true
}

// Generate inspects the audit log and configuration and emits the fixed
// checklist of control findings. It is a pure function of its inputs: the
// same log and config always produce the same findings.
func Generate(log *Log, cfg ReportConfig, signingKey []byte) Report {
	records := log.Records()
	integrity := log.VerifyAll()

	findings := []Finding{
		checkTrailPresent(records),
		checkTimestamps(records),
		checkIntegrity(integrity),
		checkApprovalSignatures(records, signingKey),
		checkRetention(cfg),
		checkTraining(cfg),
	}
	return Report{
		GeneratedAt: time.Now().UTC(),
		Findings:    findings,
		Integrity:   integrity,
	}
}

func checkTrailPresent(records []*Record) Finding {
	f := Finding{ControlID: "AUDIT_TRAIL_PRESENT"}
	if len(records) == 0 {
		f.Status = FindingFail
		f.Evidence = "audit log contains no records"
		f.Remediation = "wrap every regulated action in an audit record before go-live"
		return f
	}
	f.Status = FindingPass
	f.Evidence = fmt.Sprintf("%d audit records present", len(records))
	return f
}

func checkTimestamps(records []*Record) Finding {
	f := Finding{ControlID: "TIMESTAMPS_QUALIFIED"}
	unqualified := 0
	for _, r := range records {
		if r.Timestamp.IsZero() {
			unqualified++
		}
	}
	if unqualified > 0 {
		f.Status = FindingFail
		f.Evidence = fmt.Sprintf("%d of %d records lack a timezone-qualified timestamp", unqualified, len(records))
		f.Remediation = "stamp records with UTC timestamps at capture time"
		return f
	}
	f.Status = FindingPass
	f.Evidence = fmt.Sprintf("all %d record timestamps are timezone-qualified UTC", len(records))
	return f
}

func checkIntegrity(integrity map[string]IntegrityStatus) Finding {
	f := Finding{ControlID: "RECORD_INTEGRITY"}
	tampered := 0
	for _, status := range integrity {
		if status == IntegrityTampered {
			tampered++
		}
	}
	if tampered > 0 {
		f.Status = FindingFail
		f.Evidence = fmt.Sprintf("%d of %d records failed fingerprint verification", tampered, len(integrity))
		f.Remediation = "investigate the tampered records; audit record content must never change after capture"
		return f
	}
	f.Status = FindingPass
	f.Evidence = fmt.Sprintf("all %d records passed fingerprint verification", len(integrity))
	return f
}

func checkApprovalSignatures(records []*Record, signingKey []byte) Finding {
	f := Finding{ControlID: "APPROVALS_SIGNED"}
	approvals, unsigned, invalid := 0, 0, 0
	for _, r := range records {
		if r.Action != ActionApprove {
			continue
		}
		approvals++
		if r.Signature == nil {
			unsigned++
			continue
		}
		if !r.Signature.Verify(signingKey) {
			invalid++
		}
	}
	switch {
	case approvals == 0:
		f.Status = FindingPass
		f.Evidence = "no approval records to verify"
	case unsigned == 0 && invalid == 0:
		f.Status = FindingPass
		f.Evidence = fmt.Sprintf("all %d approval records carry a valid electronic signature", approvals)
	default:
		f.Status = FindingFail
		f.Evidence = fmt.Sprintf("%d of %d approval records unsigned, %d with invalid signatures", unsigned, approvals, invalid)
		f.Remediation = "sign every approval with the configured signing key at decision time"
	}
	return f
}

func checkRetention(cfg ReportConfig) Finding {
	f := Finding{ControlID: "RETENTION_PERIOD"}
	if cfg.RetentionDays < MinRetentionDays {
		f.Status = FindingFail
		f.Evidence = fmt.Sprintf("configured retention is %d days; minimum is %d", cfg.RetentionDays, MinRetentionDays)
		f.Remediation = fmt.Sprintf("set audit retention to at least %d days", MinRetentionDays)
		return f
	}
	f.Status = FindingPass
	f.Evidence = fmt.Sprintf("configured retention is %d days", cfg.RetentionDays)
	return f
}

func checkTraining(cfg ReportConfig) Finding {
	f := Finding{ControlID: "TRAINING_RECORDS"}
	switch {
	case cfg.TrainingRecordCount > 0:
		f.Evidence = fmt.Sprintf("%d training records on file", cfg.TrainingRecordCount)
		if len(cfg.TrainingTopics) > 0 || len(cfg.TrainedUsers) > 0 {
			f.Status = FindingPass
			f.Evidence += fmt.Sprintf(" covering %d topics and %d users", len(cfg.TrainingTopics), len(cfg.TrainedUsers))
		} else {
			f.Status = FindingPass
		}
	case cfg.TrainingComplete:
		// Legacy boolean evidence, no per-record detail.
		f.Status = FindingPartial
		f.Evidence = "legacy training-complete flag set without per-record detail"
		f.Remediation = "migrate to per-topic, per-user training records"
	default:
		f.Status = FindingFail
		f.Evidence = "no training evidence configured"
		f.Remediation = "record Part 11 training completion for every user with system access"
	}
	return f
}
