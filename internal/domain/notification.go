package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidNotification = errors.New("invalid notification")
	ErrTargetUnresolvable  = errors.New("target unresolvable")
	ErrDeliveryTimeout     = errors.New("delivery timeout")
	ErrDeliveryExhausted   = errors.New("delivery retries exhausted")
	ErrNotificationUnknown = errors.New("notification not tracked")
)

// NotificationType classifies a notification for display and filtering.
type NotificationType string

const (
	NotificationSystem     NotificationType = "system"
	NotificationUserAction NotificationType = "user_action"
	NotificationProgress   NotificationType = "progress"
	NotificationAlert      NotificationType = "alert"
	NotificationError      NotificationType = "error"
	NotificationSuccess    NotificationType = "success"
	NotificationInfo       NotificationType = "info"
	NotificationWarning    NotificationType = "warning"
	NotificationAdmin      NotificationType = "admin"
	NotificationSecurity   NotificationType = "security"
)

// Valid reports whether t is one of the known notification types.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationSystem, NotificationUserAction, NotificationProgress, NotificationAlert,
		NotificationError, NotificationSuccess, NotificationInfo, NotificationWarning,
		NotificationAdmin, NotificationSecurity:
		return true
	}
	return false
}

// Priority orders notifications from LOW to CRITICAL. The zero value is invalid.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityUrgent:   "URGENT",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority accepts the upper or lower case priority name.
func ParsePriority(s string) (Priority, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == upper {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidNotification, s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidNotification, int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: priority must be a string", ErrInvalidNotification)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DeliveryStatus is the lifecycle state of a notification.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusAttempted DeliveryStatus = "attempted"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusExpired   DeliveryStatus = "expired"
)

// Terminal reports whether no further transitions happen from s.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusExpired
}

// Target selects recipients. Exactly one selector among UserIDs, Roles, Room and
// Broadcast must be set. Namespace scopes Room and Broadcast; an empty namespace on a
// broadcast means every namespace. ExcludeUsers only applies to broadcasts.
type Target struct {
	UserIDs      []string `json:"user_ids,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Namespace    string   `json:"namespace,omitempty"`
	Room         string   `json:"room,omitempty"`
	Broadcast    bool     `json:"broadcast,omitempty"`
	ExcludeUsers []string `json:"exclude_users,omitempty"`
}

// TargetKind names which selector a target uses.
type TargetKind string

const (
	TargetUsers     TargetKind = "users"
	TargetRoles     TargetKind = "roles"
	TargetNamespace TargetKind = "namespace"
	TargetRoom      TargetKind = "room"
	TargetBroadcast TargetKind = "broadcast"
)

// Kind returns the selector in use, or an error when the target is malformed.
func (t Target) Kind() (TargetKind, error) {
	var kinds []TargetKind
	if len(t.UserIDs) > 0 {
		kinds = append(kinds, TargetUsers)
	}
	if len(t.Roles) > 0 {
		kinds = append(kinds, TargetRoles)
	}
	if t.Room != "" {
		kinds = append(kinds, TargetRoom)
	}
	if t.Broadcast {
		kinds = append(kinds, TargetBroadcast)
	}

	switch len(kinds) {
	case 0:
		if t.Namespace != "" {
			return TargetNamespace, nil
		}
		return "", fmt.Errorf("%w: empty target", ErrInvalidNotification)
	case 1:
	default:
		return "", fmt.Errorf("%w: target mixes selectors %v", ErrInvalidNotification, kinds)
	}

	kind := kinds[0]
	if kind == TargetRoom && t.Namespace == "" {
		return "", fmt.Errorf("%w: room target requires a namespace", ErrInvalidNotification)
	}
	if len(t.ExcludeUsers) > 0 && kind != TargetBroadcast {
		return "", fmt.Errorf("%w: exclusions only apply to broadcasts", ErrInvalidNotification)
	}
	for _, id := range t.UserIDs {
		if strings.TrimSpace(id) == "" {
			return "", fmt.Errorf("%w: blank user id in target", ErrInvalidNotification)
		}
	}
	return kind, nil
}

// Notification is a message routed to live connections or queued offline.
type Notification struct {
	ID             string           `json:"id"`
	Type           NotificationType `json:"type"`
	Priority       Priority         `json:"priority"`
	Title          string           `json:"title,omitempty"`
	Message        string           `json:"message"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	Target         Target           `json:"target"`
	RequiresAck    bool             `json:"requires_ack"`
	CreatedAt      time.Time        `json:"created_at"`
	DeliveryStatus DeliveryStatus   `json:"delivery_status"`
}

// Validate rejects notifications that cannot be routed.
func (n *Notification) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: nil notification", ErrInvalidNotification)
	}
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidNotification)
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, n.Type)
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority", ErrInvalidNotification)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: missing message", ErrInvalidNotification)
	}
	if _, err := n.Target.Kind(); err != nil {
		return err
	}
	return nil
}

// AttemptResult is the outcome of one delivery attempt.
type AttemptResult string

const (
	AttemptOK      AttemptResult = "ok"
	AttemptTimeout AttemptResult = "timeout"
	AttemptError   AttemptResult = "error"
)

// DeliveryAttempt records one send of a notification to one connection.
// Result is empty while the attempt awaits an acknowledgment.
type DeliveryAttempt struct {
	NotificationID string        `json:"notification_id"`
	ConnectionID   string        `json:"connection_id"`
	AttemptNumber  int           `json:"attempt_number"`
	SentAt         time.Time     `json:"sent_at"`
	Result         AttemptResult `json:"result,omitempty"`
	RoundTripMS    *int64        `json:"round_trip_ms,omitempty"`
}
