//go:build ignore

// Generates a synthetic analysis request body for exercising the API:
//
//	go run scripts/generate_test_data.go > request.json
//	curl -s -X POST localhost:8080/api/v1/analyses -d @request.json
//
// All identifiers are synthetic; no real student data is involved.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
)

var categories = []string{"aggression", "withdrawal", "disruption", "self-harm-indicator"}
var subjects = []string{"mathematics", "english", "science"}
var sources = []string{"form-tutor", "head-of-year", "counselor", "parent"}

func main() {
	now := time.Now()
	set := models.DomainRecordSet{}

	for i := 0; i < 3+rand.Intn(5); i++ {
		set.Behavioral = append(set.Behavioral, models.BehavioralIncident{
			Category:   categories[rand.Intn(len(categories))],
			OccurredAt: now.AddDate(0, 0, -rand.Intn(28)),
			Severity:   1 + rand.Intn(5),
		})
	}
	for i := 0; i < 2+rand.Intn(3); i++ {
		level := 2 + rand.Intn(4)
		set.Academic = append(set.Academic, models.AssessmentRecord{
			Subject:    subjects[rand.Intn(len(subjects))],
			AssessedAt: now.AddDate(0, 0, -7*i),
			Level:      level,
			Benchmark:  level + rand.Intn(3),
		})
	}
	for i := 0; i < 1+rand.Intn(3); i++ {
		set.Communication = append(set.Communication, models.CommunicationRecord{
			Source:  sources[rand.Intn(len(sources))],
			SentAt:  now.AddDate(0, 0, -rand.Intn(12)),
			Urgency: 1 + rand.Intn(5),
		})
	}
	for week := 4; week >= 1; week-- {
		set.Attendance = append(set.Attendance, models.AttendanceRecord{
			WeekStarting: now.AddDate(0, 0, -7*week),
			Rate:         0.55 + rand.Float64()*0.45,
		})
	}

	body := map[string]interface{}{
		"subject_id": fmt.Sprintf("STU-%04d", 1000+rand.Intn(9000)),
		"records":    set,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(body)
}
