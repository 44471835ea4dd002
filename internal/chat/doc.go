// Package chat forwards conversation turns to the language model endpoint
// on behalf of an authenticated session.
//
// The client speaks the Azure OpenAI chat completions REST surface
// directly, authenticating each call with the session's own bearer token
// so usage is attributed to the signed-in user rather than a service
// principal. A system prompt is prepended to every request, followed by
// transcript context and the new user turn.
package chat
