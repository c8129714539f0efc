package emailpassword

import "github.com/SOG-web/reauth-sub000/core/schema"

var registerSchema = schema.MustParse(`{
	"type": "object",
	"required": ["email", "password"],
	"properties": {
		"email": {"type": "string", "format": "email"},
		"password": {"type": "string", "minLength": 8}
	}
}`)

var loginSchema = schema.MustParse(`{
	"type": "object",
	"required": ["email", "password"],
	"properties": {
		"email": {"type": "string", "format": "email"},
		"password": {"type": "string", "minLength": 1},
		"device_info": {"type": "object"}
	}
}`)

var logoutSchema = schema.MustParse(`{
	"type": "object",
	"required": ["token"],
	"properties": {
		"token": {"type": "string", "minLength": 1},
		"refresh_token": {"type": "string"}
	}
}`)

var verifySchema = schema.MustParse(`{
	"type": "object",
	"required": ["email", "code"],
	"properties": {
		"email": {"type": "string", "format": "email"},
		"code": {"type": "string", "minLength": 4}
	}
}`)

var profileSchema = schema.MustParse(`{
	"type": "object",
	"required": ["subject_id"],
	"properties": {
		"subject_id": {"type": "string", "minLength": 1}
	}
}`)

// outputSchema is shared by every mutating step: the structured
// {success, message, status} envelope plus step-specific extras.
var outputSchema = schema.MustParse(`{
	"type": "object",
	"required": ["success", "message", "status"],
	"properties": {
		"success": {"type": "boolean"},
		"message": {"type": "string"},
		"status": {"type": "string"}
	}
}`)
