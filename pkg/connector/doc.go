// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector talks to the Mattermost REST and WebSocket APIs on behalf
// of the bridge.
//
// # Core Types
//
// [Client] is the bridge bot's authenticated session. It implements the
// Mattermost side the sync engine writes to and the history source the
// importer reads from.
//
// [Listener] keeps a WebSocket open as the bot and turns Mattermost events
// into change events for the outbound router. It reconnects with backoff
// when the socket drops.
//
// [Puppets] maps Matrix users to dedicated Mattermost accounts so their
// messages appear under their own identity instead of the bot's. Puppets are
// configured via environment variables (MATTERMOST_PUPPET_*) and can be
// reloaded at runtime.
//
// # Echo Prevention
//
// The listener drops events from usernames the bridge manages before they
// reach the router, which additionally checks puppet and bot user IDs and
// post provenance. These layers must not be simplified or removed.
package connector
