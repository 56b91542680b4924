package execapi

import "encoding/json"

// Error codes carried by structured wire responses. Boundary failures always
// cross the process boundary as one of these, never as raw errors.
const (
	WireErrorUnauthorized       = "unauthorized"
	WireErrorNotFound           = "not_found"
	WireErrorSerialization      = "serialization_error"
	WireErrorInternal           = "internal"
	WireErrorUnsupportedVersion = "unsupported_contract_version"
	WireErrorInvalidRequest     = "invalid_request"
)

// ContractVersion is the execution API wire contract version. Clients present
// their version in the contract header; majors must match.
const ContractVersion = "v1"

// ContractVersionHeaderName carries the client's wire contract version.
const ContractVersionHeaderName = "Airflow-Execution-API-Version"

// ErrorResponse is the structured failure envelope for every API error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// VariableResponse returns a variable value to a task process.
type VariableResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConnectionResponse returns a connection descriptor to a task process.
type ConnectionResponse struct {
	ConnectionID   string `json:"conn_id"`
	ConnectionType string `json:"conn_type"`
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	Login          string `json:"login,omitempty"`
	Password       string `json:"password,omitempty"`
	SchemaName     string `json:"schema,omitempty"`
	Extra          string `json:"extra,omitempty"`
}

// XComPullResponse returns a decoded exchange value. Legacy marks values
// decoded through the archived read path so callers can surface a
// deprecation notice.
type XComPullResponse struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Legacy bool            `json:"legacy"`
}

// HealthResponse reports server readiness.
type HealthResponse struct {
	Status          string `json:"status"`
	ContractVersion string `json:"contract_version"`
}

// HealthStatusServing is the readiness probe status value.
const HealthStatusServing = "serving"
