package domain

// Project statuses.
const (
	ProjectDraft             = "draft"
	ProjectPendingAssignment = "pending_assignment"
	ProjectInProgress        = "in_progress"
	ProjectCompleted         = "completed"
	ProjectCancelled         = "cancelled"
)

// Application statuses.
const (
	ApplicationPending  = "pending"
	ApplicationAccepted = "accepted"
	ApplicationRejected = "rejected"
)

// Expense statuses.
const (
	ExpensePending  = "pending"
	ExpenseApproved = "approved"
	ExpenseRejected = "rejected"
)

type Project struct {
	ID          string  `json:"id"`
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

type Application struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	ProviderID string `json:"provider_id"`
	Status     string `json:"status" enum:"pending,accepted,rejected"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Expense struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ProviderID  string  `json:"provider_id"`
	Amount      int64   `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"pending,approved,rejected"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

// Profile is the read-only directory entry joined into applicant listings.
// Ratings carry one decimal and are stored as tenths.
type Profile struct {
	ActorID       string `json:"actor_id"`
	DisplayName   string `json:"display_name"`
	City          string `json:"city,omitempty"`
	RatingTenths  int    `json:"rating_tenths"`
	JobsCompleted int    `json:"jobs_completed"`
}

// Applicant is a pending application joined with the provider's profile.
type Applicant struct {
	Application Application `json:"application"`
	Profile     *Profile    `json:"profile,omitempty"`
}

// ProjectSummary is a consistent snapshot of a project's escrow position.
type ProjectSummary struct {
	Project           Project `json:"project"`
	TotalApproved     int64   `json:"total_approved"`
	TotalPending      int64   `json:"total_pending"`
	PercentBudgetUsed int     `json:"percent_budget_used"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Actor roles.
const (
	RoleClient   = "client"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Actor is the authenticated principal an operation runs as.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role" enum:"client,provider,admin"`
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"client,provider,admin"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
