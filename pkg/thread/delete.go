package thread

// Delete removes a thread from both the registry and the durable store.
// Removing only one of the two is still success; ErrThreadNotFound is
// returned only when the thread existed in neither.
func Delete(store *Store, reg *Registry, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}

	removedMemory := reg.Remove(threadID)
	removedDisk, err := store.Remove(threadID)
	if err != nil {
		return err
	}

	if !removedMemory && !removedDisk {
		return ErrThreadNotFound
	}
	return nil
}
