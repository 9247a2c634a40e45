// SPDX-License-Identifier: MIT

package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/renameio/v2"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// reportPath builds the archive filename for a date.
func reportPath(dir, date string) string {
	return filepath.Join(dir, fmt.Sprintf("report-%s.json", date))
}

// WriteReport archives a daily rollup as report-YYYY-MM-DD.json. The
// write is atomic so a crashed writer never leaves a torn report.
func WriteReport(dir string, m DailyMetrics) error {
	if !dateRe.MatchString(m.Date) {
		return fmt.Errorf("invalid report date %q", m.Date)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := renameio.WriteFile(reportPath(dir, m.Date), data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// ReadReport loads an archived daily rollup.
func ReadReport(dir, date string) (DailyMetrics, error) {
	if !dateRe.MatchString(date) {
		return DailyMetrics{}, fmt.Errorf("invalid report date %q", date)
	}
	data, err := os.ReadFile(reportPath(dir, date))
	if err != nil {
		return DailyMetrics{}, fmt.Errorf("read report: %w", err)
	}
	var m DailyMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return DailyMetrics{}, fmt.Errorf("parse report: %w", err)
	}
	return m, nil
}
