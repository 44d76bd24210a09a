package tools

import "encoding/json"

// builtinDef describes one built-in tool as offered to the model.
type builtinDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

func isBuiltin(name string) bool {
	for _, b := range builtins {
		if b.Name == name {
			return true
		}
	}
	return false
}

var builtins = []builtinDef{
	{
		Name:        "get_current_time",
		Description: "Returns the current date and time. Use it whenever the user asks about dates, schedules or deadlines.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone, e.g. America/Mexico_City. Defaults to the bot timezone."}
			}
		}`),
	},
	{
		Name:        "clear_conversation",
		Description: "Erases the conversation history of the current chat. Use only when the user explicitly asks to start over.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "get_labels",
		Description: "Lists the labels available on this account with the number of chats under each.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "assign_label",
		Description: "Assigns an existing label to the current chat. The label must already exist on the account.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"label": {"type": "string", "description": "Name of the label to assign (case-insensitive)."}
			},
			"required": ["label"]
		}`),
	},
	{
		Name:        "remove_label",
		Description: "Removes a label from the current chat.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"label": {"type": "string", "description": "Name of the label to remove (case-insensitive)."}
			},
			"required": ["label"]
		}`),
	},
	{
		Name:        "get_sessions_by_label",
		Description: "Lists the chats under a label, each with its most recent messages.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"label": {"type": "string", "description": "Label name to filter by."}
			},
			"required": ["label"]
		}`),
	},
	{
		Name:        "reply_to_message",
		Description: "Sends a quote-reply to one specific earlier message. Use the [msg:<id>] identifier from the conversation. At most one reply per referenced message.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message_id": {"type": "string", "description": "The external id of the message to quote, taken from its [msg:...] prefix."},
				"text": {"type": "string", "description": "The reply text."}
			},
			"required": ["message_id", "text"]
		}`),
	},
	{
		Name:        "send_followup_message",
		Description: "Sends a message to a different chat of this account, for example to notify an advisor. The message is saved in that chat's history.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"identifier": {"type": "string", "description": "Identifier of the target chat, e.g. 5215598765432@s.whatsapp.net."},
				"text": {"type": "string", "description": "The message text to send."}
			},
			"required": ["identifier", "text"]
		}`),
	},
	{
		Name:        "lookup_client",
		Description: "Looks up a registered client by CURP, phone number or email.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "CURP, phone number or email to search for."}
			},
			"required": ["query"]
		}`),
	},
	{
		Name:        "register_client",
		Description: "Registers a new client. Collect the full name and at least one of CURP, phone or email first.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Full name."},
				"curp": {"type": "string", "description": "18-character Mexican CURP."},
				"phone": {"type": "string", "description": "Phone number, digits only, 10 to 15 digits."},
				"email": {"type": "string", "description": "Email address."}
			},
			"required": ["name"]
		}`),
	},
	{
		Name:        "save_credentials",
		Description: "Stores portal credentials for an existing client found with lookup_client.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"client_id": {"type": "string", "description": "The client id returned by lookup_client or register_client."},
				"username": {"type": "string"},
				"password": {"type": "string"}
			},
			"required": ["client_id", "username", "password"]
		}`),
	},
}
