package server

import (
	"encoding/json"

	"batipay/internal/domain"
	"batipay/internal/objects"
)

// Request payloads

type CreateProjectRequest struct {
	Title       string  `json:"title"`
	City        string  `json:"city"`
	Budget      int64   `json:"budget" minimum:"1" doc:"Budget in minor units (XAF)"`
	Description *string `json:"description,omitempty"`
	Draft       *bool   `json:"draft,omitempty" doc:"Create as draft instead of opening for applications"`
}

type HireRequest struct {
	ApplicationID string `json:"application_id"`
}

type SubmitExpenseRequest struct {
	Amount      int64   `json:"amount" minimum:"1" doc:"Amount in minor units (XAF)"`
	Category    string  `json:"category"`
	Description *string `json:"description,omitempty"`
}

type UpdateProfileRequest struct {
	DisplayName  string  `json:"display_name"`
	City         *string `json:"city,omitempty"`
	RatingTenths *int    `json:"rating_tenths,omitempty" minimum:"0" maximum:"50"`
}

type ImageUploadRequest struct {
	ContentType *string `json:"content_type,omitempty" doc:"Defaults to image/jpeg"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"client,provider,admin"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string  `json:"id" format:"uuid"`
	OwnerID     string  `json:"owner_id"`
	ProviderID  *string `json:"provider_id,omitempty"`
	Title       string  `json:"title"`
	City        string  `json:"city"`
	Budget      int64   `json:"budget"`
	Description string  `json:"description,omitempty"`
	ImageURL    *string `json:"image_url,omitempty"`
	Status      string  `json:"status" enum:"draft,pending_assignment,in_progress,completed,cancelled"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type ApplicationResponse struct {
	ID         string `json:"id" format:"uuid"`
	ProjectID  string `json:"project_id"`
	ProviderID string `json:"provider_id"`
	Status     string `json:"status" enum:"pending,accepted,rejected"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ExpenseResponse struct {
	ID          string  `json:"id" format:"uuid"`
	ProjectID   string  `json:"project_id"`
	ProviderID  string  `json:"provider_id"`
	Amount      int64   `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"pending,approved,rejected"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

type ProfileResponse struct {
	ActorID       string `json:"actor_id"`
	DisplayName   string `json:"display_name"`
	City          string `json:"city,omitempty"`
	RatingTenths  int    `json:"rating_tenths"`
	JobsCompleted int    `json:"jobs_completed"`
}

type ApplicantResponse struct {
	Application ApplicationResponse `json:"application"`
	Profile     *ProfileResponse    `json:"profile,omitempty"`
}

type SummaryResponse struct {
	Project           ProjectResponse `json:"project"`
	TotalApproved     int64           `json:"total_approved"`
	TotalPending      int64           `json:"total_pending"`
	PercentBudgetUsed int             `json:"percent_budget_used"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type UploadResponse struct {
	Key       string            `json:"key"`
	UploadURL string            `json:"upload_url"`
	ObjectURL string            `json:"object_url"`
	ExpiresIn int               `json:"expires_in"`
	Headers   map[string]string `json:"headers"`
}

// APIKeyResponse never carries the hash.
type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"client,provider,admin"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type paginatedProjects struct {
	Items []ProjectResponse `json:"items"`
}

type paginatedApplications struct {
	Items []ApplicationResponse `json:"items"`
}

type paginatedApplicants struct {
	Items []ApplicantResponse `json:"items"`
}

type paginatedExpenses struct {
	Items []ExpenseResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse(a)
}

func expenseResponse(x domain.Expense) ExpenseResponse {
	return ExpenseResponse(x)
}

func profileResponse(p domain.Profile) ProfileResponse {
	return ProfileResponse(p)
}

func applicantResponse(a domain.Applicant) ApplicantResponse {
	res := ApplicantResponse{Application: applicationResponse(a.Application)}
	if a.Profile != nil {
		pr := profileResponse(*a.Profile)
		res.Profile = &pr
	}
	return res
}

func summaryResponse(s domain.ProjectSummary) SummaryResponse {
	return SummaryResponse{
		Project:           projectResponse(s.Project),
		TotalApproved:     s.TotalApproved,
		TotalPending:      s.TotalPending,
		PercentBudgetUsed: s.PercentBudgetUsed,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func uploadResponse(u objects.Upload) UploadResponse {
	return UploadResponse{
		Key:       u.Key,
		UploadURL: u.URL,
		ObjectURL: u.ObjectURL,
		ExpiresIn: u.ExpiresIn,
		Headers:   u.Headers,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Role:      k.Role,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
