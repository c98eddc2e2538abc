// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy provides the streaming gateway handler that fronts the Barrix
// plugin. It authenticates each request with either the shared secret or a
// signed short-lived token, builds or passes through a chat-completion
// payload, calls the upstream AI provider, and relays the response stream to
// the caller byte for byte without interpreting its framing.
package proxy
