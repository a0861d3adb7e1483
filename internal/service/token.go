package service

import (
	"crypto/rand"
	"encoding/hex"
)

// tokenBytes define la entropía de los tokens de un solo uso (160 bits).
const tokenBytes = 20

// GenerateToken produce un token opaco aleatorio en hex de ancho fijo.
// La unicidad es probabilística (cota de cumpleaños sobre 160 bits); el
// almacén no la refuerza por separado.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
