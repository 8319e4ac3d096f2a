package events

// Wire keys are camelCase to match the payment subsystem's payloads.

type PaymentCompleted struct {
	OrderID int64 `json:"orderId"`
}

type PaymentFailed struct {
	OrderID int64  `json:"orderId"`
	Reason  string `json:"reason"`
}

type PaymentInitiated struct {
	OrderID int64   `json:"orderId"`
	Phone   string  `json:"phone"`
	Amount  float64 `json:"amount"`
}

type WorkflowFailed struct {
	OrderID int64  `json:"orderId"`
	Error   string `json:"error"`
	Step    string `json:"step,omitempty"`
	JobID   string `json:"jobId,omitempty"`
}

type WorkflowCompleted struct {
	OrderID int64  `json:"orderId"`
	JobID   string `json:"jobId"`
}
