package models

import "time"

// Project is one row of the proposal dataset. Fee is kept as text because
// the source data carries blanks and placeholders.
type Project struct {
	ProjectNumber  string
	Title          string
	Client         string
	State          string
	City           string
	Category       string
	Status         string
	Fee            string
	PointOfContact string
	AwardDate      string
	DueDate        string
}

// ClassificationRecord is one classification attempt of an interpretation.
// Attempt 1 is the first pass, attempt 2 the self-corrected one.
type ClassificationRecord struct {
	ID               string    `json:"id"`
	InterpretationID string    `json:"interpretation_id"`
	Question         string    `json:"question"`
	Attempt          int       `json:"attempt"`
	FunctionName     string    `json:"function_name"`
	Arguments        string    `json:"arguments"`
	ErrorType        string    `json:"error_type,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RowCount         int       `json:"row_count"`
	Credential       string    `json:"credential,omitempty"`
	LatencyMS        int       `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

type EvaluationResult struct {
	ID               int       `json:"id"`
	RunID            string    `json:"run_id"`
	Question         string    `json:"question"`
	ExpectedFunction string    `json:"expected_function"`
	ActualFunction   string    `json:"actual_function"`
	FunctionMatch    bool      `json:"function_match"`
	ArgumentRecall   float64   `json:"argument_recall"`
	ErrorType        string    `json:"error_type,omitempty"`
	LatencyMS        int       `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}
