package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"math/big"
	"net/http"
	"strconv"
)

const sessionCookieName = "munchbox_id"

// getOrSetSessionID returns the stable per-device session id, minting
// and setting the cookie on first contact.
func getOrSetSessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

var (
	avatarEmojis = []string{"🍕", "🍔", "🍣", "🌮", "🍜", "🥗", "🍱", "🥘", "🍛", "🍲", "🥙", "🍝"}
	nicknames    = []string{"FoodieExplorer", "HungryPanda", "TasteHunter", "FlavorSeeker", "BiteAdventurer", "GourmetGuru", "NomNomNinja", "CrunchCaptain"}
)

// identityFactory generates display identities for participants that
// join without choosing one. The randInt source is swappable so tests
// can pin the output.
type identityFactory struct {
	randInt func(n int) int
}

func newIdentityFactory() *identityFactory {
	return &identityFactory{randInt: cryptoRandInt}
}

func cryptoRandInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func (f *identityFactory) nickname() string {
	return nicknames[f.randInt(len(nicknames))] + strconv.Itoa(f.randInt(100))
}

func (f *identityFactory) avatar() string {
	return avatarEmojis[f.randInt(len(avatarEmojis))]
}
