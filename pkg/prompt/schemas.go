package prompt

import (
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// IntentResult is the intent call's wire shape.
type IntentResult struct {
	Category   string  `json:"category"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// EntityResult is the entity extraction call's wire shape.
type EntityResult struct {
	Entities []models.Entity `json:"entities"`
}

// RiskResult is the confidence/risk call's wire shape.
type RiskResult struct {
	Confidence float64          `json:"confidence"`
	Risk       models.RiskLevel `json:"risk"`
	Rationale  string           `json:"rationale"`
}

// AnswerResult is Stage D's wire shape in strict-grounding JSON mode.
type AnswerResult struct {
	Answer string `json:"answer"`
}

const intentSchemaDoc = `{
	"type": "object",
	"properties": {
		"category": {"type": "string", "minLength": 1},
		"action": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["category", "action", "confidence"],
	"additionalProperties": false
}`

const entitySchemaDoc = `{
	"type": "object",
	"properties": {
		"entities": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string", "minLength": 1},
					"value": {"type": "string", "minLength": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"normalized_value": {"type": "string"},
					"span_start": {"type": "integer", "minimum": 0},
					"span_end": {"type": "integer", "minimum": 0}
				},
				"required": ["type", "value", "confidence", "span_start", "span_end"],
				"additionalProperties": false
			}
		}
	},
	"required": ["entities"],
	"additionalProperties": false
}`

const riskSchemaDoc = `{
	"type": "object",
	"properties": {
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"risk": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
		"rationale": {"type": "string"}
	},
	"required": ["confidence", "risk", "rationale"],
	"additionalProperties": false
}`

const planSchemaDoc = `{
	"type": "object",
	"properties": {
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"description": {"type": "string", "minLength": 1},
					"tool": {"type": "string", "minLength": 1},
					"inputs": {"type": "object", "additionalProperties": {"type": "string"}},
					"preconditions": {"type": "array", "items": {"type": "string"}},
					"success_criteria": {"type": "array", "items": {"type": "string"}},
					"failure_handling": {"type": "string", "enum": ["abort", "warn", "continue"]},
					"estimated_duration_s": {"type": "number", "minimum": 0},
					"depends_on": {"type": "array", "items": {"type": "string"}},
					"targets_production": {"type": "boolean"},
					"step_instance_id": {"type": "string"}
				},
				"required": ["id", "description", "tool", "failure_handling"],
				"additionalProperties": false
			}
		},
		"safety_checks": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"check": {"type": "string", "minLength": 1},
					"stage": {"type": "string", "enum": ["before", "during", "after"]},
					"failure_action": {"type": "string"}
				},
				"required": ["check", "stage"],
				"additionalProperties": false
			}
		},
		"rollback_plan": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"step_id": {"type": "string", "minLength": 1},
					"rollback_action": {"type": "string", "minLength": 1}
				},
				"required": ["step_id", "rollback_action"],
				"additionalProperties": false
			}
		},
		"approval_gates": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"stage": {"type": "string", "enum": ["before", "during", "after"]},
					"reason": {"type": "string", "minLength": 1},
					"step_ids": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["stage", "reason"],
				"additionalProperties": false
			}
		}
	},
	"required": ["steps"],
	"additionalProperties": false
}`

const answerSchemaDoc = `{
	"type": "object",
	"properties": {
		"answer": {"type": "string", "minLength": 1}
	},
	"required": ["answer"],
	"additionalProperties": false
}`

// Compiled schemas, one per JSON-mode stage call.
var (
	IntentSchema = llm.MustCompileSchema("intent", intentSchemaDoc)
	EntitySchema = llm.MustCompileSchema("entities", entitySchemaDoc)
	RiskSchema   = llm.MustCompileSchema("risk", riskSchemaDoc)
	PlanSchema   = llm.MustCompileSchema("plan", planSchemaDoc)
	AnswerSchema = llm.MustCompileSchema("answer", answerSchemaDoc)
)
