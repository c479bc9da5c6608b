package rooms

import (
	"fmt"
	"strings"
)

type heroInfo struct {
	Heroes      []Hero
	JoinCount   int
	InviteCount int
}

// Hero is a prominent room member used to compose a display name for rooms
// with no explicit name.
type Hero struct {
	ID   string
	Name string
}

func calculateRoomName(roomName, canonicalAlias string, maxNumNamesPerRoom int, info heroInfo) string {
	// If the room has an m.room.name state event with a non-empty name field, use the name given by that field.
	if roomName != "" {
		return roomName
	}
	// If the room has an m.room.canonical_alias state event with a valid alias field, use the alias given by that field as the name.
	if canonicalAlias != "" {
		return canonicalAlias
	}
	// If none of the above conditions are met, a name should be composed based on the members of the room.
	disambiguatedNames := disambiguate(info.Heroes)
	totalNumOtherUsers := info.JoinCount + info.InviteCount - 1
	isAlone := totalNumOtherUsers <= 0

	if len(info.Heroes) == 0 && isAlone {
		return "Empty Room"
	}

	// If the number of heroes for the room is greater or equal to joined + invited - 1,
	// then use the membership events for the heroes to calculate display names for the users
	// (disambiguating them if required) and concatenating them.
	if len(info.Heroes) >= totalNumOtherUsers {
		if len(disambiguatedNames) == 1 {
			return disambiguatedNames[0]
		}
		calculatedRoomName := strings.Join(disambiguatedNames[:len(disambiguatedNames)-1], ", ") + " and " + disambiguatedNames[len(disambiguatedNames)-1]
		if isAlone {
			return fmt.Sprintf("Empty Room (was %s)", calculatedRoomName)
		}
		return calculatedRoomName
	}

	// if we're here then len(heroes) < (joinedCount + invitedCount - 1)
	numEntries := len(disambiguatedNames)
	if numEntries > maxNumNamesPerRoom {
		numEntries = maxNumNamesPerRoom
	}
	calculatedRoomName := fmt.Sprintf(
		"%s and %d others", strings.Join(disambiguatedNames[:numEntries], ", "), totalNumOtherUsers-numEntries,
	)

	if (info.JoinCount + info.InviteCount) > 1 {
		return calculatedRoomName
	}

	// the member is alone: indicate that the room was empty.
	// For example, "Empty Room (was Alice)" or "Empty Room (was Alice and 1234 others)".
	return fmt.Sprintf("Empty Room (was %s)", calculatedRoomName)
}

func disambiguate(heroes []Hero) []string {
	displayNames := make(map[string][]int)
	for i, h := range heroes {
		displayNames[h.Name] = append(displayNames[h.Name], i)
	}
	disambiguatedNames := make([]string, len(heroes))
	for _, indexes := range displayNames {
		if len(indexes) == 1 {
			disambiguatedNames[indexes[0]] = heroes[indexes[0]].Name
			continue
		}
		// disambiguate all these heroes
		for _, i := range indexes {
			h := heroes[i]
			disambiguatedNames[i] = fmt.Sprintf("%s (%s)", h.Name, h.ID)
		}
	}
	return disambiguatedNames
}
