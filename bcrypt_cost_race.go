//go:build race

package auth

import "golang.org/x/crypto/bcrypt"

// Race builds hash at the minimum cost so the race suite stays fast.
func passwordHashCost() int {
	return bcrypt.MinCost
}
