// Package payload builds the JSON document sent to webhook receivers from a
// completed transcript and the room that owns it.
package payload

import (
	"errors"
	"fmt"
	"time"
)

const (
	EventTranscriptCompleted = "transcript.completed"
	EventTest                = "test"
)

// Transcript is the job result set handed over by the processing pipeline.
type Transcript struct {
	ID             string        `json:"id"`
	RoomID         string        `json:"room_id"`
	CreatedAt      time.Time     `json:"created_at"`
	Duration       float64       `json:"duration"` // seconds
	Title          string        `json:"title"`
	ShortSummary   string        `json:"short_summary"`
	LongSummary    string        `json:"long_summary"`
	WebVTT         string        `json:"webvtt"`
	Topics         []Topic       `json:"topics"`
	Participants   []Participant `json:"participants"`
	SourceLanguage string        `json:"source_language"`
	TargetLanguage string        `json:"target_language"`
	Status         string        `json:"status"`
}

// Topic is one summarized segment of a transcript.
type Topic struct {
	Title      string  `json:"title"`
	Summary    string  `json:"summary"`
	Timestamp  float64 `json:"timestamp"`
	Duration   float64 `json:"duration"`
	Transcript string  `json:"transcript"`
}

type Participant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Speaker *int   `json:"speaker,omitempty"`
}

// Room is the identity of the destination holder.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Source is everything Build needs; it is what an event persists.
type Source struct {
	Transcript Transcript `json:"transcript"`
	Room       Room       `json:"room"`
}

// Document is the body POSTed to receivers.
type Document struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Job       Job    `json:"job"`
	Owner     Owner  `json:"owner"`
}

type Job struct {
	ID             string           `json:"id"`
	OwnerID        string           `json:"owner_id"`
	CreatedAt      string           `json:"created_at"`
	Duration       float64          `json:"duration"`
	Title          string           `json:"title"`
	ShortSummary   string           `json:"short_summary"`
	LongSummary    string           `json:"long_summary"`
	Content        string           `json:"content"`
	Segments       []Segment        `json:"segments"`
	Participants   []JobParticipant `json:"participants"`
	SourceLanguage string           `json:"source_language"`
	TargetLanguage string           `json:"target_language"`
	Status         string           `json:"status"`
}

type Segment struct {
	Title     string  `json:"title"`
	Summary   string  `json:"summary"`
	Timestamp float64 `json:"timestamp"`
	Duration  float64 `json:"duration"`
	Content   string  `json:"content"`
}

type JobParticipant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Speaker *int   `json:"speaker"`
}

type Owner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IncompleteError reports a required upstream field that was absent. It is a
// producer defect and is never retried.
type IncompleteError struct {
	Field string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("payload incomplete: missing %s", e.Field)
}

// IsIncomplete reports whether err is (or wraps) an IncompleteError.
func IsIncomplete(err error) bool {
	var ie *IncompleteError
	return errors.As(err, &ie)
}

// Build assembles the document for eventType at occurredAt.
func Build(eventType string, occurredAt time.Time, src Source) (Document, error) {
	t := src.Transcript
	switch {
	case eventType == "":
		return Document{}, &IncompleteError{Field: "event"}
	case t.ID == "":
		return Document{}, &IncompleteError{Field: "job.id"}
	case t.RoomID == "":
		return Document{}, &IncompleteError{Field: "job.owner_id"}
	case t.CreatedAt.IsZero():
		return Document{}, &IncompleteError{Field: "job.created_at"}
	case src.Room.ID == "":
		return Document{}, &IncompleteError{Field: "owner.id"}
	}

	segments := make([]Segment, 0, len(t.Topics))
	for _, tp := range t.Topics {
		segments = append(segments, Segment{
			Title:     tp.Title,
			Summary:   tp.Summary,
			Timestamp: tp.Timestamp,
			Duration:  tp.Duration,
			Content:   tp.Transcript,
		})
	}
	participants := make([]JobParticipant, 0, len(t.Participants))
	for _, p := range t.Participants {
		participants = append(participants, JobParticipant{ID: p.ID, Name: p.Name, Speaker: p.Speaker})
	}

	return Document{
		Event:     eventType,
		Timestamp: occurredAt.UTC().Format(time.RFC3339),
		Job: Job{
			ID:             t.ID,
			OwnerID:        t.RoomID,
			CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339),
			Duration:       t.Duration,
			Title:          t.Title,
			ShortSummary:   t.ShortSummary,
			LongSummary:    t.LongSummary,
			Content:        t.WebVTT,
			Segments:       segments,
			Participants:   participants,
			SourceLanguage: t.SourceLanguage,
			TargetLanguage: t.TargetLanguage,
			Status:         t.Status,
		},
		Owner: Owner{ID: src.Room.ID, Name: src.Room.Name},
	}, nil
}

// SampleSource returns a synthetic completed transcript for room, used when an
// operator tests a destination without real data.
func SampleSource(room Room, now time.Time) Source {
	speaker0, speaker1 := 0, 1
	return Source{
		Transcript: Transcript{
			ID:             "test-transcript",
			RoomID:         room.ID,
			CreatedAt:      now.UTC(),
			Duration:       120,
			Title:          "Test meeting",
			ShortSummary:   "This is a test webhook.",
			LongSummary:    "This is a test webhook sent to verify the destination configuration.",
			WebVTT:         "WEBVTT\n\n00:00:00.000 --> 00:00:05.000\n<v Speaker 0>Hello, this is a test.\n",
			SourceLanguage: "en",
			TargetLanguage: "en",
			Status:         "ended",
			Topics: []Topic{{
				Title:      "Introduction",
				Summary:    "Participants say hello.",
				Timestamp:  0,
				Duration:   5,
				Transcript: "Hello, this is a test.",
			}},
			Participants: []Participant{
				{ID: "participant-0", Name: "Speaker 0", Speaker: &speaker0},
				{ID: "participant-1", Name: "Speaker 1", Speaker: &speaker1},
			},
		},
		Room: room,
	}
}
