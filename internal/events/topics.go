package events

const (
	TopicPaymentInitiated  = "payment:initiated"
	TopicPaymentCompleted  = "payment:completed"
	TopicPaymentFailed     = "payment:failed"
	TopicWorkflowCompleted = "workflow:completed"
	TopicWorkflowFailed    = "workflow:failed"
)

// PaymentTopics are the topics the fulfillment dispatcher listens on.
var PaymentTopics = []string{TopicPaymentCompleted, TopicPaymentFailed, TopicPaymentInitiated}
