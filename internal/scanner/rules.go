package scanner

import (
	"sort"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
)

const (
	ruleCitizenship    = "citizenship_number"
	ruleEmail          = "email"
	rulePhoneName      = "phone_and_name"
	ruleTitleLocation  = "owner_title_location"
	ruleSimilarTitle   = "owner_location_similar_title"
	ruleDocumentHash   = "document_hash"
	ruleDocCitizenship = "document_citizenship_number"
)

const (
	confidenceCitizenship      = 95
	confidenceCitizenshipEmail = 100
	confidenceEmail            = 85
	confidencePhoneName        = 65
	confidenceTitleLocation    = 90
	confidenceSimilarTitle     = 70
	confidenceDocumentHash     = 98
	confidenceDocCitizenship   = 90

	minNameSimilarity  = 0.85
	minTitleSimilarity = 0.6
)

func groupUsers(users []db.User) []Suggestion {
	if len(users) < 2 {
		return nil
	}

	citizenship := bucketize(len(users), func(i int) string {
		return NormalizeCitizenship(derefString(users[i].CitizenshipNumber))
	})
	emailKeys := make([]string, len(users))
	for i := range users {
		emailKeys[i] = normalizeEmail(users[i].Email)
	}
	emails := bucketize(len(users), func(i int) string { return emailKeys[i] })
	phones := bucketize(len(users), func(i int) string {
		return normalizePhone(derefString(users[i].Phone))
	})

	ds := newDisjointSet(len(users))
	for _, members := range citizenship {
		ds.unionAll(members)
	}
	for _, members := range emails {
		ds.unionAll(members)
	}

	// A shared phone alone is weak evidence: households and agencies share
	// numbers. It only links records whose names are also close.
	type phoneLink struct {
		phone      string
		member     int
		similarity float64
	}
	links := make([]phoneLink, 0)
	for _, phone := range sortedKeys(phones) {
		members := phones[phone]
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				sim := nameSimilarity(users[members[a]].Name, users[members[b]].Name)
				if sim < minNameSimilarity {
					continue
				}
				ds.union(members[a], members[b])
				links = append(links, phoneLink{phone: phone, member: members[a], similarity: sim})
			}
		}
	}

	rootOf := func(i int) int { return ds.find(i) }
	out := make([]Suggestion, 0)
	for _, component := range ds.components() {
		root := rootOf(component[0])

		citMatches := sharedValues(citizenship, root, rootOf)
		emailMatches := sharedValues(emails, root, rootOf)
		phoneSeen := make(map[string]struct{})
		bestSimilarity := 0.0
		for _, link := range links {
			if rootOf(link.member) != root {
				continue
			}
			phoneSeen[link.phone] = struct{}{}
			bestSimilarity = max(bestSimilarity, link.similarity)
		}
		phoneMatches := sortedSet(phoneSeen)

		matches := make([]duplicates.Match, 0, len(citMatches)+len(emailMatches)+len(phoneMatches))
		for _, v := range citMatches {
			// The email bonus needs two holders of this number to share an
			// address too; an email link elsewhere in the component does not count.
			citConfidence := confidenceCitizenship
			if shareAnyValue(citizenship[v], emailKeys) {
				citConfidence = confidenceCitizenshipEmail
			}
			matches = append(matches, duplicates.Match{Rule: ruleCitizenship, Value: v, Confidence: citConfidence})
		}
		for _, v := range emailMatches {
			matches = append(matches, duplicates.Match{Rule: ruleEmail, Value: v, Confidence: confidenceEmail})
		}
		for _, v := range phoneMatches {
			matches = append(matches, duplicates.Match{Rule: rulePhoneName, Value: v, Confidence: confidencePhoneName})
		}

		var key string
		evidence := &duplicates.UserSignals{NameSimilarity: roundRatio(bestSimilarity)}
		switch {
		case len(citMatches) > 0:
			key = "user:cit:" + citMatches[0]
		case len(emailMatches) > 0:
			key = "user:email:" + emailMatches[0]
		default:
			key = "user:phone:" + phoneMatches[0]
		}
		if len(citMatches) > 0 {
			evidence.CitizenshipNumber = citMatches[0]
		}
		if len(emailMatches) > 0 {
			evidence.Email = emailMatches[0]
		}
		if len(phoneMatches) > 0 {
			evidence.Phone = phoneMatches[0]
		}

		records := make([]duplicates.RecordSnapshot, 0, len(component))
		for _, idx := range component {
			snap := users[idx].Snapshot()
			records = append(records, duplicates.RecordSnapshot{Kind: duplicates.EntityUser, User: &snap})
		}

		out = append(out, newSuggestion(duplicates.EntityUser, key, matches, records, duplicates.Signals{User: evidence}))
	}
	return out
}

func groupProperties(properties []db.Property) []Suggestion {
	if len(properties) < 2 {
		return nil
	}

	titles := make([]string, len(properties))
	locations := make([]string, len(properties))
	for i, p := range properties {
		titles[i] = normalizeText(p.Title)
		locations[i] = normalizeText(p.Location)
	}

	exact := bucketize(len(properties), func(i int) string {
		if titles[i] == "" {
			return ""
		}
		return properties[i].OwnerID + ":" + titles[i] + "|" + locations[i]
	})
	sameLocation := bucketize(len(properties), func(i int) string {
		return properties[i].OwnerID + "|" + locations[i]
	})

	ds := newDisjointSet(len(properties))
	for _, members := range exact {
		ds.unionAll(members)
	}

	type fuzzyLink struct {
		location   string
		similarity float64
	}
	fuzzy := make(map[int]fuzzyLink)
	for _, bucket := range sortedKeys(sameLocation) {
		members := sameLocation[bucket]
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				left, right := members[a], members[b]
				if titles[left] == titles[right] {
					continue
				}
				sim := titleTrigramJaccard(titles[left], titles[right])
				if sim < minTitleSimilarity {
					continue
				}
				ds.union(left, right)
				if prev, ok := fuzzy[left]; !ok || sim > prev.similarity {
					fuzzy[left] = fuzzyLink{location: locations[left], similarity: sim}
				}
			}
		}
	}

	rootOf := func(i int) int { return ds.find(i) }
	out := make([]Suggestion, 0)
	for _, component := range ds.components() {
		root := rootOf(component[0])

		exactMatches := sharedValues(exact, root, rootOf)
		matches := make([]duplicates.Match, 0, len(exactMatches)+1)
		for _, v := range exactMatches {
			matches = append(matches, duplicates.Match{Rule: ruleTitleLocation, Value: v, Confidence: confidenceTitleLocation})
		}

		bestSimilarity := 0.0
		fuzzyLocations := make(map[string]struct{})
		for _, idx := range component {
			link, ok := fuzzy[idx]
			if !ok {
				continue
			}
			bestSimilarity = max(bestSimilarity, link.similarity)
			fuzzyLocations[link.location] = struct{}{}
		}
		for _, location := range sortedSet(fuzzyLocations) {
			matches = append(matches, duplicates.Match{Rule: ruleSimilarTitle, Value: location, Confidence: confidenceSimilarTitle})
		}

		records := make([]duplicates.RecordSnapshot, 0, len(component))
		for _, idx := range component {
			snap := properties[idx].Snapshot()
			records = append(records, duplicates.RecordSnapshot{Kind: duplicates.EntityProperty, Property: &snap})
		}

		suggestion := newSuggestion(duplicates.EntityProperty, "", matches, records, duplicates.Signals{})
		primary := suggestion.Primary.Property
		primaryTitle := normalizeText(primary.Title)
		primaryLocation := normalizeText(primary.Location)

		if len(exactMatches) > 0 {
			suggestion.Key = "property:" + exactMatches[0]
		} else {
			suggestion.Key = "property:" + primary.OwnerID + ":" + primaryTitle + "|" + primaryLocation
		}
		suggestion.Signals.Property = &duplicates.PropertySignals{
			OwnerID:         primary.OwnerID,
			Title:           primaryTitle,
			Location:        primaryLocation,
			TitleSimilarity: roundRatio(bestSimilarity),
		}
		out = append(out, suggestion)
	}
	return out
}

func groupDocuments(documents []db.KYCDocument) []Suggestion {
	if len(documents) < 2 {
		return nil
	}

	hashes := crossUserBuckets(documents, bucketize(len(documents), func(i int) string {
		return normalizeText(derefString(documents[i].DocumentHash))
	}))
	citizenship := crossUserBuckets(documents, bucketize(len(documents), func(i int) string {
		return NormalizeCitizenship(derefString(documents[i].CitizenshipNumber))
	}))

	ds := newDisjointSet(len(documents))
	for _, members := range hashes {
		ds.unionAll(members)
	}
	for _, members := range citizenship {
		ds.unionAll(members)
	}

	rootOf := func(i int) int { return ds.find(i) }
	out := make([]Suggestion, 0)
	for _, component := range ds.components() {
		root := rootOf(component[0])

		hashMatches := sharedValues(hashes, root, rootOf)
		citMatches := sharedValues(citizenship, root, rootOf)

		matches := make([]duplicates.Match, 0, len(hashMatches)+len(citMatches))
		for _, v := range hashMatches {
			matches = append(matches, duplicates.Match{Rule: ruleDocumentHash, Value: v, Confidence: confidenceDocumentHash})
		}
		for _, v := range citMatches {
			matches = append(matches, duplicates.Match{Rule: ruleDocCitizenship, Value: v, Confidence: confidenceDocCitizenship})
		}

		userSet := make(map[string]struct{}, len(component))
		records := make([]duplicates.RecordSnapshot, 0, len(component))
		for _, idx := range component {
			snap := documents[idx].Snapshot()
			userSet[snap.UserID] = struct{}{}
			records = append(records, duplicates.RecordSnapshot{Kind: duplicates.EntityKYCDocument, KYCDocument: &snap})
		}

		evidence := &duplicates.DocumentSignals{UserIDs: sortedSet(userSet)}
		var key string
		if len(hashMatches) > 0 {
			key = "kyc:hash:" + hashMatches[0]
			evidence.DocumentHash = hashMatches[0]
		}
		if len(citMatches) > 0 {
			if key == "" {
				key = "kyc:cit:" + citMatches[0]
			}
			evidence.CitizenshipNumber = citMatches[0]
		}

		out = append(out, newSuggestion(duplicates.EntityKYCDocument, key, matches, records, duplicates.Signals{KYCDocument: evidence}))
	}
	return out
}

// crossUserBuckets keeps only buckets whose documents belong to at least two
// different users. One user re-uploading a document is not a duplicate.
func crossUserBuckets(documents []db.KYCDocument, buckets map[string][]int) map[string][]int {
	out := make(map[string][]int, len(buckets))
	for value, members := range buckets {
		users := make(map[string]struct{}, len(members))
		for _, idx := range members {
			users[documents[idx].UserID] = struct{}{}
		}
		if len(users) > 1 {
			out[value] = members
		}
	}
	return out
}

// sharedValues lists, in sorted order, the bucket values held by two or more
// records of the component rooted at root.
func sharedValues(buckets map[string][]int, root int, rootOf func(int) int) []string {
	out := make([]string, 0)
	for _, value := range sortedKeys(buckets) {
		members := buckets[value]
		if len(members) < 2 || rootOf(members[0]) != root {
			continue
		}
		out = append(out, value)
	}
	return out
}

// shareAnyValue reports whether two of members carry the same non-empty key.
func shareAnyValue(members []int, keys []string) bool {
	seen := make(map[string]struct{}, len(members))
	for _, idx := range members {
		key := keys[idx]
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
	}
	return false
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for value := range set {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func roundRatio(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
