/*
Package security provides the envelope-encryption primitive used by
pkg/statestore's optional EncryptedStore decorator.

# Cluster Encryption Key

Encryption is rooted in the cluster encryption key, a 32-byte key derived
from the cluster ID:

	clusterKey = SHA-256(clusterID)

Same cluster ID always derives the same key, so no separate key storage
or distribution step is needed — any silo that knows the cluster ID can
decrypt state written by any other silo in the same cluster.

# SecretsManager

SecretsManager encrypts and decrypts payloads with AES-256 in
Galois/Counter Mode (GCM), which provides authenticated encryption: a
modified ciphertext, wrong key, or wrong nonce all fail decryption
rather than silently returning corrupted plaintext.

	1. Generate a random 12-byte nonce
	2. Encrypt plaintext with AES-256-GCM
	3. Prepend the nonce to the ciphertext
	4. Store [nonce || ciphertext || tag]

Decryption reverses the process, extracting the nonce from the front of
the blob before calling Open.
*/
package security
