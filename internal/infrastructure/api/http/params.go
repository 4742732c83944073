package http

// URL parameter names shared by routers, middlewares and handlers.
const (
	TransactionIDParam = "transactionId"
	RecoveryJobParam   = "job"
)
