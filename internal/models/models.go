// Package models defines the core data structures for ChatRelay.
//
// It includes conversation turns, captured order info, and the incoming
// message envelope shared across modules.
package models

import (
	"errors"
	"regexp"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	// RoleUser marks a turn authored by the participant.
	RoleUser Role = "user"
	// RoleAssistant marks a turn authored by the bot.
	RoleAssistant Role = "assistant"
)

// Bot-facing conversation commands recognized inside a chat.
const (
	// CommandStart re-enables replies for a user who previously sent /stop.
	CommandStart = "/start"
	// CommandStop disables replies for the sending user until /start.
	CommandStop = "/stop"
)

// Error variables for better error handling and testability
var (
	ErrEmptySessionName = errors.New("session name cannot be empty")
	ErrSessionNotFound  = errors.New("session not found")
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrEmptyBody        = errors.New("message body cannot be empty")
)

// Turn is a single immutable message in a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// OrderInfo holds the contact details captured from a user.
// Created on first phone-number detection and updated in place afterwards.
type OrderInfo struct {
	PhoneNumber string `json:"phone_number,omitempty"`
	Username    string `json:"username,omitempty"`
}

// Contact is a structured contact payload attached to an incoming message.
type Contact struct {
	DisplayName string `json:"display_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// IncomingMessage is the envelope delivered for every inbound direct
// message, tagged with the session that received it so replies route
// back through the correct identity.
type IncomingMessage struct {
	SessionID  string   `json:"session_id"`
	From       string   `json:"from"`
	SenderName string   `json:"sender_name,omitempty"`
	Body       string   `json:"body,omitempty"`
	Contact    *Contact `json:"contact,omitempty"`
	Time       int64    `json:"time"`
}

// phonePattern matches an optional leading + followed by 9-15 digits.
var phonePattern = regexp.MustCompile(`^\+?\d{9,15}$`)

// IsPhoneNumber reports whether text looks like a bare phone number.
func IsPhoneNumber(text string) bool {
	return phonePattern.MatchString(text)
}
