package service

import "golang.org/x/crypto/bcrypt"

// bcryptCost es un factor de costo fijo, no configurable por el usuario.
const bcryptCost = 10

// HashPassword genera un hash bcrypt con salt aleatorio embebido.
func HashPassword(plaintext string) (string, error) {
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashBytes), nil
}

// VerifyPassword compara en tiempo constante; hashes malformados dan false.
func VerifyPassword(plaintext, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plaintext)) == nil
}
