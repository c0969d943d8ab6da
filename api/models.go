package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mqttadmin/mosquitto-auth/passwd"
	"github.com/mqttadmin/mosquitto-auth/storage"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// MessageResponse acknowledges a mutation.
type MessageResponse struct {
	Message string `json:"message"`
}

// UserRequest is the JSON body for POST /users.
type UserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// PasswordRequest is the JSON body for PUT /users/{username}.
type PasswordRequest struct {
	Password string `json:"password"`
}

// BulkUsersRequest is the JSON body for POST /users/bulk. Users keeps the
// order in which names appear in the request.
type BulkUsersRequest struct {
	Users     orderedUsers `json:"users"`
	Overwrite bool         `json:"overwrite"`
}

// BulkUsersResponse reports the per-user outcome of a bulk addition.
type BulkUsersResponse = passwd.BulkResult

// UsersResponse is returned from GET /users.
type UsersResponse struct {
	Users []string `json:"users"`
}

// UserResponse is returned from GET /users/{username}.
type UserResponse struct {
	Username string `json:"username"`
	Exists   bool   `json:"exists"`
}

// CARequest is the JSON body for POST /ca.
type CARequest struct {
	CommonName string `json:"common_name"`
	Days       int    `json:"days"`
}

// BrokerCertRequest is the optional JSON body for POST /certificates/broker.
type BrokerCertRequest struct {
	CommonName string `json:"cn"`
	Days       int    `json:"days"`
	KeepTemp   bool   `json:"keep_temp"`
}

// ClientCertRequest is the JSON body for POST /certificates/client.
type ClientCertRequest struct {
	Username string `json:"username"`
	Days     int    `json:"days"`
}

// ClientsResponse is returned from GET /certificates/client.
type ClientsResponse struct {
	Clients []string `json:"clients"`
}

// AuditResponse is returned from GET /audit.
type AuditResponse struct {
	Entries []storage.Entry `json:"entries"`
	PaginationMeta
}

// orderedUsers decodes a JSON object of username -> password while keeping
// the key order of the document.
type orderedUsers []passwd.Entry

func (o *orderedUsers) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("users must be an object of username to password")
	}
	out := orderedUsers{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var pw string
		if err := dec.Decode(&pw); err != nil {
			return fmt.Errorf("password for %q: %w", name, err)
		}
		out = append(out, passwd.Entry{Username: name, Password: pw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*o = out
	return nil
}
