package event

import "github.com/google/uuid"

type RoleGranted struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
	Role        string    `json:"role"`
	Grantee     string    `json:"grantee"`
}

func (e *RoleGranted) IdempotencyKey() string { return e.OperationID.String() }
func (e *RoleGranted) EventType() EventType   { return EventTypeRoleGranted }

type RoleRevoked struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
	Role        string    `json:"role"`
	Revokee     string    `json:"revokee"`
}

func (e *RoleRevoked) IdempotencyKey() string { return e.OperationID.String() }
func (e *RoleRevoked) EventType() EventType   { return EventTypeRoleRevoked }
