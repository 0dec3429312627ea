// Package conversation provides the operations a chat frontend or agent
// loop needs on top of the store.
//
// # Service
//
//	svc := conversation.New(store, conversation.NewEventBroadcaster(logger), logger)
//
// Key operations:
//
//   - Append(ctx, msg): store a message, then publish it
//   - History(ctx, id, opts): the conversation as LLM chat messages
//   - Branch(ctx, messageID): the root-to-message path through the tree
//   - Rename(ctx, id, title): change the title
//   - DeleteMessage / Clear: remove a subtree or every message
//
// # History
//
// History applies Limit first, keeping the most recent messages, and then
// drops system messages unless IncludeSystem is set. Tool calls and tool
// call IDs are carried through untouched.
//
// # Events
//
// Subscribers of an EventBroadcaster receive an Event for every change made
// through the Service, after the change is stored. Delivery is best effort:
// a subscriber that falls more than 64 events behind misses events.
package conversation
