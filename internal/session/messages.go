package session

import "fmt"

// Reply texts sent by the state machine.
const (
	msgAskEmail         = "Please type your institutional email so I can confirm who you are."
	msgAuthRequired     = "You need to sign in before I can help with that."
	msgEmailInvalid     = "That doesn't look like an email address. Please type your institutional email."
	msgEmailDomain      = "Please use your institutional email address."
	msgStudentNotFound  = "I couldn't find a student with that email. Please check it and type it again."
	msgGatewayDown      = "I'm having trouble reaching the academic system right now. Please try again shortly."
	msgNoRegistration   = "Your record has no registration number on file. Please contact the registrar's office."
	msgWrongAnswer      = "That's not right."
	msgChallengeExpired = "That question expired."
	msgAttemptsExceeded = "Too many incorrect answers. Let's start over: please type your institutional email."
	msgLoggedOut        = "You have been signed out. Say hi whenever you want to sign in again."
	msgInactive         = "You were inactive for more than %s, so I signed you out for your security. Say hi to sign in again."
	msgAlreadyInRound   = "We're in the middle of signing you in."
)

func welcome(name string) string {
	if name == "" {
		return "You're signed in. How can I help?"
	}
	return fmt.Sprintf("Thanks, %s, you're signed in. How can I help?", name)
}

func identified(name, question string) string {
	if name == "" {
		return "Found you. " + question
	}
	return fmt.Sprintf("Hi %s! To confirm it's you: %s", name, question)
}

func opening(greeting string, reason BeginReason) string {
	switch reason {
	case BeginProtected:
		return msgAuthRequired + " " + msgAskEmail
	default:
		if greeting == "" {
			return msgAskEmail
		}
		return greeting + " " + msgAskEmail
	}
}
