package mls

// Advance runs one full key schedule step: it folds the commit secret into
// the previous init secret, mixes in the PSK secret and binds the result to
// the new group context.  A nil commit secret stands for a commit without a
// path; a nil psk for one without pre-shared keys.
func Advance(suite CipherSuite, p Provider, initSecret *InitSecret, commit *CommitSecret, psk *PskSecret, gc *GroupContext, withInit bool) (*EpochSecrets, error) {
	if initSecret == nil {
		return nil, libraryError("advance without init secret")
	}

	joiner, err := NewJoinerSecret(p, commit, initSecret)
	if err != nil {
		return nil, err
	}
	defer joiner.Destroy()

	ks, err := NewKeySchedule(suite, p, joiner, psk)
	if err != nil {
		return nil, err
	}

	eks, err := ks.AddContext(gc)
	if err != nil {
		return nil, err
	}

	return eks.EpochSecrets(withInit)
}

// MergeCommit applies a diff that carries the result of a commit and steps
// the key schedule.  The diff is validated and merged into the tree first;
// the new group context hashes the merged tree.  The commit secret is taken
// from the diff if it has one.  If validation fails the tree is unchanged.
func MergeCommit(tree *RatchetTree, diff *TreeSyncDiff, gc *GroupContext, initSecret *InitSecret, psk *PskSecret, confirmedTranscriptHash []byte) (*GroupContext, *EpochSecrets, error) {
	if err := tree.ValidateAndMerge(diff); err != nil {
		return nil, nil, err
	}

	var commit *CommitSecret
	if diff.HasCommitSecret() {
		var err error
		commit, err = diff.TakeCommitSecret()
		if err != nil {
			return nil, nil, err
		}
		defer commit.Destroy()
	}

	treeHash, err := tree.TreeHash()
	if err != nil {
		return nil, nil, err
	}

	next, err := gc.Next(treeHash, confirmedTranscriptHash)
	if err != nil {
		return nil, nil, err
	}

	secrets, err := Advance(tree.Suite, tree.provider, initSecret, commit, psk, next, true)
	if err != nil {
		return nil, nil, err
	}

	return next, secrets, nil
}
