// Package scene implements a Discord bot that resizes custom emoji and
// converts WebP attachments into formats every client can display.
//
// Scene watches guild messages. When a message consists solely of a custom
// emoji, the bot deletes it and re-posts the emoji image at the guild's
// configured size. Two static emoji sent together are merged into a single
// side-by-side image, and animated WebP attachments are re-encoded as
// looping GIFs.
//
// Key components of the package include:
//
//   - Scene: The main struct that wires configuration, storage, Discord
//     and the admin API together.
//   - Resizer: Fetches a still emoji image and resamples it to a SizeTier.
//   - Transcoder: Decodes WebP (static or animated) and re-encodes it.
//   - Compositor: Places two emoji images side by side.
//   - GuildConfigStore: Concurrent per-guild policy cache with write-through
//     persistence to a PolicyDocumentStore.
//   - API: A small admin API for inspecting and editing guild policies.
//
// Guild policies can be persisted to SQLite, PostgreSQL or SurrealDB.
package scene
