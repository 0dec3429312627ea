// Package knowledge keeps the registry of knowledge bases a conversation can
// name.
//
// A knowledge base row describes a document collection held by an external
// indexer: its collection name, embedding model and the document count the
// indexer last reported. Conversations refer to a knowledge base by name
// only, so removing a row never touches conversations.
package knowledge
