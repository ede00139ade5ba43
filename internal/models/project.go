package models

// Project is the tenant's description of what to generate.
// Only Intent.Outputs drives the export phases; the rest feeds the manuscript.
type Project struct {
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name,omitempty"`
	CreatedAt int64       `json:"createdAt,omitempty"`
	Intake    IntakeData  `json:"intake"`
	Intent    IntentData  `json:"intent"`
	Outline   OutlineData `json:"outline"`
}

type IntakeData struct {
	Collection string      `json:"collection,omitempty"`
	LastIngest interface{} `json:"lastIngest,omitempty"`
	Docmap     interface{} `json:"docmap,omitempty"`
}

type IntentData struct {
	ProjectType     string   `json:"projectType,omitempty" validate:"omitempty,oneof=book workshop mkdocs journal proceedings blog"`
	Outputs         []string `json:"outputs" validate:"dive,oneof=springer epub pdf mkdocs"`
	Title           string   `json:"title,omitempty" validate:"max=300"`
	Subtitle        string   `json:"subtitle,omitempty" validate:"max=300"`
	Authors         []string `json:"authors,omitempty"`
	Audience        string   `json:"audience,omitempty"`
	Tone            string   `json:"tone,omitempty"`
	Constraints     string   `json:"constraints,omitempty"`
	Due             string   `json:"due,omitempty"`
	EditorialPreset string   `json:"editorialPreset,omitempty" validate:"omitempty,oneof=springer oxford acm ieee"`
}

type OutlineData struct {
	Plan         interface{} `json:"plan,omitempty"`
	ScheduleJSON interface{} `json:"scheduleJson,omitempty"`
	Approved     *bool       `json:"approved,omitempty"`
}

// StartJobRequest is the body of POST /generate/start
type StartJobRequest struct {
	Project *Project `json:"project" validate:"required"`
}

// StartJobResponse is returned once the job is enqueued
type StartJobResponse struct {
	OK     bool   `json:"ok"`
	JobID  string `json:"job_id"`
	Stream string `json:"stream"`
}

// DisplayTitle picks the best available title for the manuscript
func (p *Project) DisplayTitle() string {
	if p.Intent.Title != "" {
		return p.Intent.Title
	}
	if p.Name != "" {
		return p.Name
	}
	return "Untitled Workshop"
}
