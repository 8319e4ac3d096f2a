package orders

type Status string

// Status transitions are owned by the payment subsystem; fulfillment only reads them.
const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusPaid, StatusFailed, StatusCompleted:
		return true
	}
	return false
}
