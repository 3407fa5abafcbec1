// Package anonymizer maps real account identities to stable animal pseudonyms.
package anonymizer

import (
	"strconv"
	"strings"
)

const pseudonymSeparator = "_"

// animalNames is cycled in order; the ordinal suffix keeps pseudonyms distinct once the
// list is exhausted.
var animalNames = []string{
	"Alligator", "Anteater", "Armadillo", "Aurochs", "Axolotl", "Badger", "Bat", "Beaver",
	"Buffalo", "Camel", "Capybara", "Chameleon", "Cheetah", "Chinchilla", "Chipmunk",
	"Chupacabra", "Cormorant", "Coyote", "Crow", "Dingo", "Dinosaur", "Dolphin", "Duck",
	"Elephant", "Ferret", "Fox", "Frog", "Giraffe", "Gopher", "Grizzly", "Hedgehog", "Hippo",
	"Hyena", "Ibex", "Ifrit", "Iguana", "Jackal", "Jackalope", "Kangaroo", "Koala", "Kraken",
	"Lemur", "Leopard", "Liger", "Llama", "Manatee", "Mink", "Monkey", "Moose", "Narwhal",
	"Nyan Cat", "Orangutan", "Otter", "Panda", "Penguin", "Platypus", "Pumpkin", "Python",
	"Quagga", "Rabbit", "Raccoon", "Rhino", "Sheep", "Shrew", "Skunk", "Slow Loris",
	"Squirrel", "Tiger", "Turtle", "Walrus", "Wolf", "Wolverine", "Wombat",
}

// Table is an immutable bijection between identities and pseudonyms.
type Table struct {
	order      []string
	pseudonyms map[string]string
	identities map[string]string
}

// PseudonymAt returns the pseudonym assigned to the identity at ordinal position.
func PseudonymAt(ordinal int) string {
	return animalNames[ordinal%len(animalNames)] + pseudonymSeparator + strconv.Itoa(ordinal+1)
}

// BuildTable assigns pseudonyms in the order identities are given. Repeated and empty
// identities are skipped so every distinct identity receives exactly one pseudonym.
func BuildTable(identities []string) *Table {
	table := &Table{
		pseudonyms: make(map[string]string, len(identities)),
		identities: make(map[string]string, len(identities)),
	}
	for _, identity := range identities {
		table.add(identity)
	}
	return table
}

// Extend returns a new table holding every existing assignment followed by assignments
// for identities the table has not seen yet.
func (table *Table) Extend(identities []string) *Table {
	extended := BuildTable(table.Identities())
	for _, identity := range identities {
		extended.add(identity)
	}
	return extended
}

func (table *Table) add(identity string) {
	if identity == "" {
		return
	}
	if _, known := table.pseudonyms[identity]; known {
		return
	}
	pseudonym := PseudonymAt(len(table.order))
	table.order = append(table.order, identity)
	table.pseudonyms[identity] = pseudonym
	table.identities[strings.ToLower(pseudonym)] = identity
}

// Pseudonym returns the pseudonym of identity.
func (table *Table) Pseudonym(identity string) (string, bool) {
	if table == nil {
		return "", false
	}
	pseudonym, found := table.pseudonyms[identity]
	return pseudonym, found
}

// Real resolves a pseudonym, matched case-insensitively, back to its identity.
func (table *Table) Real(pseudonym string) (string, bool) {
	if table == nil {
		return "", false
	}
	identity, found := table.identities[strings.ToLower(pseudonym)]
	return identity, found
}

// Len reports how many identities the table covers.
func (table *Table) Len() int {
	if table == nil {
		return 0
	}
	return len(table.order)
}

// Identities returns the covered identities in assignment order.
func (table *Table) Identities() []string {
	if table == nil {
		return nil
	}
	return append([]string(nil), table.order...)
}
