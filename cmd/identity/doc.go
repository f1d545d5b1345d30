// Package identity resolves stable user ids to display metadata.
//
// It is the only view sigma has of user profiles; profile management lives
// elsewhere. Stores are read-only here.
package identity
